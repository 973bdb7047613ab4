package statestore

import (
	"context"
	"database/sql"
	"fmt"
)

// SetKV upserts a last-write-wins key/value entry.
func (s *Store) SetKV(ctx context.Context, e *KVEntry) error {
	_, err := s.writer.NamedExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (:key, :value, :updated_at)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, e)
	return err
}

// GetKV fetches a value by key.
func (s *Store) GetKV(ctx context.Context, key string) (*KVEntry, error) {
	var e KVEntry
	err := s.reader.GetContext(ctx, &e, `SELECT * FROM kv WHERE key = ?`, key)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("kv %q: %w", key, ErrNotFound)
	}
	return &e, err
}

// DeleteKV removes a key.
func (s *Store) DeleteKV(ctx context.Context, key string) error {
	_, err := s.writer.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}
