package persistence

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/aether-run/aether/internal/common/config"
	"github.com/aether-run/aether/internal/common/logger"
	"github.com/aether-run/aether/internal/db"
)

// Provide opens the kernel's primary database connection per
// cfg.Database, defaulting to an embedded SQLite file.
func Provide(cfg *config.Config, log *logger.Logger) (*sql.DB, func() error, error) {
	driver := cfg.Database.Driver
	if driver == "" {
		driver = "sqlite"
	}

	switch driver {
	case "sqlite":
		dbPath := cfg.Database.Path
		if dbPath == "" {
			dbPath = "./aether.db"
		}
		dbConn, err := db.OpenSQLite(dbPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		if log != nil {
			log.Info("database initialized", zap.String("db_path", dbPath), zap.String("db_driver", driver))
		}
		cleanup := func() error {
			// PRAGMA optimize refreshes query-planner statistics; cheap to
			// run once per process lifetime, right before close.
			_, _ = dbConn.Exec("PRAGMA optimize")
			return dbConn.Close()
		}
		return dbConn, cleanup, nil

	case "postgres":
		dbConn, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		if log != nil {
			log.Info("database initialized", zap.String("db_driver", driver))
		}
		return dbConn, dbConn.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}
