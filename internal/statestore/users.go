package statestore

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateUser inserts a new account. Caller (AuthService) enforces the
// duplicate-username and password-policy checks before calling this.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	_, err := s.writer.NamedExecContext(ctx, `
		INSERT INTO users (id, username, display_name, password_hash, role, created_at, last_login, mfa_secret, mfa_enabled)
		VALUES (:id, :username, :display_name, :password_hash, :role, :created_at, :last_login, :mfa_secret, :mfa_enabled)
	`, u)
	return err
}

// GetUserByUsername looks up an account by its unique username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.reader.GetContext(ctx, &u, `SELECT * FROM users WHERE username = ?`, username)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}
	return &u, err
}

// GetUser looks up an account by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.reader.GetContext(ctx, &u, `SELECT * FROM users WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %q: %w", id, ErrNotFound)
	}
	return &u, err
}

// CountUsers reports how many accounts exist, used to grant the first
// registrant the admin role.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.reader.GetContext(ctx, &n, `SELECT COUNT(*) FROM users`)
	return n, err
}

// UpdateLastLogin stamps the most recent successful login.
func (s *Store) UpdateLastLogin(ctx context.Context, id string, when interface{}) error {
	_, err := s.writer.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE id = ?`, when, id)
	return err
}

// SetMFA enrolls or clears a user's TOTP secret.
func (s *Store) SetMFA(ctx context.Context, id string, secret *string, enabled bool) error {
	_, err := s.writer.ExecContext(ctx,
		`UPDATE users SET mfa_secret = ?, mfa_enabled = ? WHERE id = ?`, secret, enabled, id)
	return err
}

// DeleteUser removes an account.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	_, err := s.writer.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	return err
}
