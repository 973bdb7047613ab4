package statestore

import (
	"context"
	"time"
)

// UpsertFileMetadata records a file write under an agent's sandboxed home.
func (s *Store) UpsertFileMetadata(ctx context.Context, meta *FileMetadata) error {
	_, err := s.writer.NamedExecContext(ctx, `
		INSERT INTO file_metadata (path, owner_uid, size, file_type, created_at, modified_at)
		VALUES (:path, :owner_uid, :size, :file_type, :created_at, :modified_at)
		ON CONFLICT(path) DO UPDATE SET
			size = excluded.size,
			modified_at = excluded.modified_at
	`, meta)
	return err
}

// DeleteFileMetadata removes a file's index entry on unlink.
func (s *Store) DeleteFileMetadata(ctx context.Context, path string) error {
	_, err := s.writer.ExecContext(ctx, `DELETE FROM file_metadata WHERE path = ?`, path)
	return err
}

// ListFileMetadata returns every indexed file owned by uid.
func (s *Store) ListFileMetadata(ctx context.Context, ownerUID string) ([]FileMetadata, error) {
	var rows []FileMetadata
	err := s.reader.SelectContext(ctx, &rows,
		`SELECT * FROM file_metadata WHERE owner_uid = ? ORDER BY path`, ownerUID)
	return rows, err
}

// RecordMetric appends a telemetry sample.
func (s *Store) RecordMetric(ctx context.Context, m *KernelMetric) error {
	_, err := s.writer.NamedExecContext(ctx, `
		INSERT INTO kernel_metrics (timestamp, process_count, cpu_percent, memory_mb, container_count)
		VALUES (:timestamp, :process_count, :cpu_percent, :memory_mb, :container_count)
	`, m)
	return err
}

// PruneMetrics deletes samples older than the cutoff.
func (s *Store) PruneMetrics(ctx context.Context, cutoff time.Time) error {
	_, err := s.writer.ExecContext(ctx, `DELETE FROM kernel_metrics WHERE timestamp < ?`, cutoff)
	return err
}

// CreateSnapshot records a sandbox-home archive.
func (s *Store) CreateSnapshot(ctx context.Context, snap *Snapshot) error {
	_, err := s.writer.NamedExecContext(ctx, `
		INSERT INTO snapshots (id, pid, timestamp, description, file_path, tarball_path, process_info, size_bytes)
		VALUES (:id, :pid, :timestamp, :description, :file_path, :tarball_path, :process_info, :size_bytes)
	`, snap)
	return err
}

// DeleteSnapshot removes a snapshot record.
func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	_, err := s.writer.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	return err
}

// ListSnapshots returns every snapshot recorded for a pid.
func (s *Store) ListSnapshots(ctx context.Context, pid int64) ([]Snapshot, error) {
	var rows []Snapshot
	err := s.reader.SelectContext(ctx, &rows,
		`SELECT * FROM snapshots WHERE pid = ? ORDER BY timestamp DESC`, pid)
	return rows, err
}
