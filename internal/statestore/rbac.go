package statestore

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// CreateOrganization inserts a new organization and its owning member in
// one transaction, preserving the "at least one owner per org" invariant.
func (s *Store) CreateOrganization(ctx context.Context, org *Organization, ownerUserID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExec(`
			INSERT INTO organizations (id, name, created_at) VALUES (:id, :name, :created_at)
		`, org); err != nil {
			return err
		}
		_, err := tx.Exec(`
			INSERT INTO members (org_id, team_id, user_id, role, created_at) VALUES (?, NULL, ?, 'owner', ?)
		`, org.ID, ownerUserID, org.CreatedAt)
		return err
	})
}

// CreateTeam inserts a team under an organization.
func (s *Store) CreateTeam(ctx context.Context, team *Team) error {
	_, err := s.writer.NamedExecContext(ctx, `
		INSERT INTO teams (id, org_id, name, created_at) VALUES (:id, :org_id, :name, :created_at)
	`, team)
	return err
}

// AddMember adds a user to an organization (and optionally a team).
func (s *Store) AddMember(ctx context.Context, m *Member) error {
	_, err := s.writer.NamedExecContext(ctx, `
		INSERT INTO members (org_id, team_id, user_id, role, created_at)
		VALUES (:org_id, :team_id, :user_id, :role, :created_at)
	`, m)
	return err
}

// ListMembers returns every member of an organization.
func (s *Store) ListMembers(ctx context.Context, orgID string) ([]Member, error) {
	var rows []Member
	err := s.reader.SelectContext(ctx, &rows, `SELECT * FROM members WHERE org_id = ?`, orgID)
	return rows, err
}

// DeleteOrganization cascades the delete across teams and members (the
// schema's ON DELETE CASCADE foreign keys do the rest).
func (s *Store) DeleteOrganization(ctx context.Context, id string) error {
	_, err := s.writer.ExecContext(ctx, `DELETE FROM organizations WHERE id = ?`, id)
	return err
}
