package statestore

import "context"

// CreatePolicy inserts an ACL rule.
func (s *Store) CreatePolicy(ctx context.Context, p *PermissionPolicy) error {
	_, err := s.writer.NamedExecContext(ctx, `
		INSERT INTO permission_policies (id, subject, action, resource, effect, created_at, created_by)
		VALUES (:id, :subject, :action, :resource, :effect, :created_at, :created_by)
	`, p)
	return err
}

// ListPolicies returns every policy matching any of the given subjects
// (e.g. "user:bob", "role:admin", "*") — callers pass the caller's
// identity set and apply the deny-overrides-allow evaluation themselves.
func (s *Store) ListPolicies(ctx context.Context, subjects []string) ([]PermissionPolicy, error) {
	if len(subjects) == 0 {
		return nil, nil
	}
	query, args, err := sqlxIn(`SELECT * FROM permission_policies WHERE subject IN (?)`, subjects)
	if err != nil {
		return nil, err
	}
	var rows []PermissionPolicy
	err = s.reader.SelectContext(ctx, &rows, query, args...)
	return rows, err
}

// ListAllPolicies returns every policy regardless of subject, for the
// admin-only policy.list command (an admin audits the full rule set,
// not just the rules that apply to themselves).
func (s *Store) ListAllPolicies(ctx context.Context) ([]PermissionPolicy, error) {
	var rows []PermissionPolicy
	err := s.reader.SelectContext(ctx, &rows, `SELECT * FROM permission_policies ORDER BY created_at DESC`)
	return rows, err
}

// DeletePolicy removes a rule.
func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	_, err := s.writer.ExecContext(ctx, `DELETE FROM permission_policies WHERE id = ?`, id)
	return err
}
