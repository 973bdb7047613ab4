package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// PutMemory inserts a memory and evicts the oldest, lowest-importance
// entries of its (agent, layer) bucket down to cap, per spec.md §4.2's
// memory eviction algorithm.
func (s *Store) PutMemory(ctx context.Context, m *Memory, capPerLayer int) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExec(`
			INSERT INTO memories (id, agent_uid, layer, content, tags, importance, access_count, created_at, last_accessed, expires_at, source_pid, related)
			VALUES (:id, :agent_uid, :layer, :content, :tags, :importance, :access_count, :created_at, :last_accessed, :expires_at, :source_pid, :related)
		`, m); err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO memories_fts (id, content) VALUES (?, ?)`, m.ID, m.Content); err != nil {
			return err
		}

		var count int
		if err := tx.Get(&count, `SELECT COUNT(*) FROM memories WHERE agent_uid = ? AND layer = ?`, m.AgentUID, m.Layer); err != nil {
			return err
		}
		if count <= capPerLayer {
			return nil
		}
		excess := count - capPerLayer
		var evictIDs []string
		if err := tx.Select(&evictIDs, `
			SELECT id FROM memories WHERE agent_uid = ? AND layer = ?
			ORDER BY importance ASC, last_accessed ASC LIMIT ?
		`, m.AgentUID, m.Layer, excess); err != nil {
			return err
		}
		for _, id := range evictIDs {
			if _, err := tx.Exec(`DELETE FROM memories WHERE id = ?`, id); err != nil {
				return err
			}
			if _, err := tx.Exec(`DELETE FROM memories_fts WHERE id = ?`, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetMemory fetches a memory by id and bumps its access counter.
func (s *Store) GetMemory(ctx context.Context, id string) (*Memory, error) {
	var m Memory
	if err := s.reader.GetContext(ctx, &m, `SELECT * FROM memories WHERE id = ?`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("memory %q: %w", id, ErrNotFound)
		}
		return nil, err
	}
	_, _ = s.writer.ExecContext(ctx,
		`UPDATE memories SET access_count = access_count + 1, last_accessed = ? WHERE id = ?`, nowUTC(), id)
	return &m, nil
}

// SearchMemory converts a free-text query into OR-joined quoted FTS
// terms, stripping punctuation and dropping tokens of length ≤1, joins
// to the main table, filters by agentUID, and orders matches
// most-recently-accessed first. memories_fts is an fts4 table (no
// hidden rank column, unlike fts5), so relevance ranking would need a
// custom matchinfo()-based scoring function; recency is the only
// ordering used instead.
func (s *Store) SearchMemory(ctx context.Context, agentUID, query string, limit int) ([]Memory, error) {
	terms := ftsTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	matchExpr := strings.Join(terms, " OR ")

	var rows []Memory
	err := s.reader.SelectContext(ctx, &rows, `
		SELECT m.* FROM memories m
		JOIN memories_fts f ON f.id = m.id
		WHERE m.agent_uid = ? AND memories_fts MATCH ?
		ORDER BY m.last_accessed DESC LIMIT ?
	`, agentUID, matchExpr, limit)
	return rows, err
}

func ftsTerms(query string) []string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	})
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) <= 1 {
			continue
		}
		terms = append(terms, fmt.Sprintf("%q", f))
	}
	return terms
}

// DeleteMemory removes a memory and its FTS row.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(`DELETE FROM memories WHERE id = ?`, id); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM memories_fts WHERE id = ?`, id)
		return err
	})
}
