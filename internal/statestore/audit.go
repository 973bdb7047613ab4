package statestore

import (
	"context"
	"time"
)

// AppendAuditEntry writes an immutable, already-sanitized audit record.
func (s *Store) AppendAuditEntry(ctx context.Context, e *AuditEntry) error {
	_, err := s.writer.NamedExecContext(ctx, `
		INSERT INTO audit_log (timestamp, event_type, actor_pid, actor_uid, action, target, args_sanitized, result_hash, metadata)
		VALUES (:timestamp, :event_type, :actor_pid, :actor_uid, :action, :target, :args_sanitized, :result_hash, :metadata)
	`, e)
	return err
}

// QueryAudit returns audit entries at or after since, most recent first,
// optionally filtered to a single event type.
func (s *Store) QueryAudit(ctx context.Context, since time.Time, eventType string, limit int) ([]AuditEntry, error) {
	var rows []AuditEntry
	var err error
	if eventType == "" {
		err = s.reader.SelectContext(ctx, &rows, `
			SELECT * FROM audit_log WHERE timestamp >= ? ORDER BY timestamp DESC LIMIT ?
		`, since, limit)
	} else {
		err = s.reader.SelectContext(ctx, &rows, `
			SELECT * FROM audit_log WHERE timestamp >= ? AND event_type = ? ORDER BY timestamp DESC LIMIT ?
		`, since, eventType, limit)
	}
	return rows, err
}

// PruneAudit deletes entries older than the retention cutoff.
func (s *Store) PruneAudit(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.writer.ExecContext(ctx, `DELETE FROM audit_log WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
