package statestore

import (
	"context"
	"database/sql"
	"fmt"
)

// PutPlan inserts or replaces an agent's plan tree.
func (s *Store) PutPlan(ctx context.Context, p *Plan) error {
	_, err := s.writer.NamedExecContext(ctx, `
		INSERT INTO plans (id, pid, agent_uid, tree, status, created_at, updated_at)
		VALUES (:id, :pid, :agent_uid, :tree, :status, :created_at, :updated_at)
		ON CONFLICT(id) DO UPDATE SET tree = excluded.tree, updated_at = excluded.updated_at
	`, p)
	return err
}

// UpdatePlanStatus enforces the monotone active → completed|abandoned
// transition described in spec.md §3.
func (s *Store) UpdatePlanStatus(ctx context.Context, id, status string, updatedAt interface{}) error {
	_, err := s.writer.ExecContext(ctx, `
		UPDATE plans SET status = ?, updated_at = ?
		WHERE id = ? AND status = 'active'
	`, status, updatedAt, id)
	return err
}

// GetPlan fetches a plan by id.
func (s *Store) GetPlan(ctx context.Context, id string) (*Plan, error) {
	var p Plan
	err := s.reader.GetContext(ctx, &p, `SELECT * FROM plans WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("plan %q: %w", id, ErrNotFound)
	}
	return &p, err
}

// GetPlanByPID returns the plan tied to a process, if any.
func (s *Store) GetPlanByPID(ctx context.Context, pid int64) (*Plan, error) {
	var p Plan
	err := s.reader.GetContext(ctx, &p, `SELECT * FROM plans WHERE pid = ? ORDER BY created_at DESC LIMIT 1`, pid)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("plan for pid %d: %w", pid, ErrNotFound)
	}
	return &p, err
}

// CreateReflection records a free-form agent self-note.
func (s *Store) CreateReflection(ctx context.Context, r *Reflection) error {
	_, err := s.writer.NamedExecContext(ctx, `
		INSERT INTO reflections (id, pid, agent_uid, content, created_at)
		VALUES (:id, :pid, :agent_uid, :content, :created_at)
	`, r)
	return err
}

// ListReflections returns every reflection recorded for a pid.
func (s *Store) ListReflections(ctx context.Context, pid int64) ([]Reflection, error) {
	var rows []Reflection
	err := s.reader.SelectContext(ctx, &rows, `SELECT * FROM reflections WHERE pid = ? ORDER BY created_at`, pid)
	return rows, err
}

// CreateFeedback records a rating left on a process's run.
func (s *Store) CreateFeedback(ctx context.Context, f *Feedback) error {
	_, err := s.writer.NamedExecContext(ctx, `
		INSERT INTO feedback (id, pid, agent_uid, rating, comment, created_at)
		VALUES (:id, :pid, :agent_uid, :rating, :comment, :created_at)
	`, f)
	return err
}
