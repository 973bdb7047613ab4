// Package statestore is the kernel's sole persistence layer: an embedded
// relational database holding the process table history, agent log
// stream, files index, metrics, snapshots, users, memories, plans, cron
// jobs, event triggers, webhooks, RBAC records, and the audit log.
package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/aether-run/aether/internal/common/config"
	"github.com/aether-run/aether/internal/common/logger"
	"github.com/aether-run/aether/internal/db"
	bus "github.com/aether-run/aether/internal/eventbus"
)

// Store is the embedded-database-backed state store. It is the single
// writer for the kernel's persistent records; StateStore owns the
// database connection exclusively.
type Store struct {
	writer *sqlx.DB
	reader *sqlx.DB

	mu                  sync.Mutex // serializes schema/migration steps only
	persistenceDisabled bool

	logger *logger.Logger
	bus    bus.EventBus
}

// Open opens (or creates) the database at cfg.Database.Path, applies the
// schema, and wires hot event-derived writers to the event bus. On
// corruption it unlinks the database file and its WAL/SHM sidecars and
// retries once; if that also fails it falls back to an in-memory
// database and sets persistenceDisabled.
func Open(cfg *config.Config, eventBus bus.EventBus, log *logger.Logger) (*Store, error) {
	path := cfg.Database.Path
	if path == "" {
		path = "./aether.db"
	}

	writer, reader, disabled, err := openWithRecovery(path, log)
	if err != nil {
		return nil, err
	}

	s := &Store{
		writer:              sqlx.NewDb(writer, "sqlite3"),
		reader:              sqlx.NewDb(reader, "sqlite3"),
		persistenceDisabled: disabled,
		logger:              log.WithFields(zap.String("component", "statestore")),
		bus:                 eventBus,
	}

	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	if eventBus != nil {
		s.subscribeHotWriters(eventBus)
	}

	return s, nil
}

func openWithRecovery(path string, log *logger.Logger) (writer, reader *sql.DB, disabled bool, err error) {
	writer, err = db.OpenSQLite(path)
	if err == nil {
		reader, err = db.OpenSQLiteReader(path)
		if err == nil {
			return writer, reader, false, nil
		}
		_ = writer.Close()
	}

	log.Warn("database open failed, attempting corruption recovery", zap.Error(err), zap.String("path", path))
	for _, sidecar := range []string{path, path + "-wal", path + "-shm"} {
		_ = os.Remove(sidecar)
	}

	writer, err = db.OpenSQLite(path)
	if err == nil {
		reader, err = db.OpenSQLiteReader(path)
		if err == nil {
			log.Warn("database recreated after corruption", zap.String("path", path))
			return writer, reader, false, nil
		}
		_ = writer.Close()
	}

	log.Warn("database recreate failed, falling back to in-memory store; persistence is disabled", zap.Error(err))
	mem, memErr := sql.Open("sqlite3", "file::memory:?cache=shared&_foreign_keys=on")
	if memErr != nil {
		return nil, nil, true, fmt.Errorf("in-memory fallback failed: %w", memErr)
	}
	mem.SetMaxOpenConns(1)
	return mem, mem, true, nil
}

func (s *Store) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range schemaStatements {
		if _, err := s.writer.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed (%q): %w", stmt, err)
		}
	}
	for _, m := range columnMigrations {
		if err := s.ensureColumn(m.table, m.column, m.definition); err != nil {
			return fmt.Errorf("migration %s.%s failed: %w", m.table, m.column, err)
		}
	}
	return nil
}

func (s *Store) ensureColumn(table, column, definition string) error {
	rows, err := s.writer.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, colType string
		var notNull int
		var defaultValue *string
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.writer.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}

// PersistenceDisabled reports whether the store fell back to an
// in-memory database after failing to recover a corrupt file.
func (s *Store) PersistenceDisabled() bool {
	return s.persistenceDisabled
}

// Close closes both connection pools.
func (s *Store) Close() error {
	wErr := s.writer.Close()
	if rErr := s.reader.Close(); rErr != nil && wErr == nil {
		return rErr
	}
	return wErr
}

// withTx runs fn inside a transaction on the writer connection, committing
// on success and rolling back on error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.writer.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// logDegraded logs a persistence failure for an event-driven write without
// propagating it; the kernel stays available with degraded durability.
func (s *Store) logDegraded(op string, err error) {
	s.logger.Warn("persistence degraded", zap.String("op", op), zap.Error(err))
}

func nowUTC() time.Time { return time.Now().UTC() }
