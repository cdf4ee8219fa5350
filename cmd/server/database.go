package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/phrazzld/segqueue/internal/api"
	"github.com/phrazzld/segqueue/internal/config"
	"github.com/phrazzld/segqueue/internal/platform/memory"
	"github.com/phrazzld/segqueue/internal/platform/migrations"
	"github.com/phrazzld/segqueue/internal/platform/postgres"
	"github.com/phrazzld/segqueue/internal/platform/sqlite"
	"github.com/phrazzld/segqueue/internal/store"
)

// storage is the opened job store plus what the application needs to
// check and release it.
type storage struct {
	jobStore store.JobStore
	health   api.HealthCheck
	close    func() error
}

// setupStorage opens the configured database, applies migrations and
// returns the job store on top of it.
func setupStorage(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*storage, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		db, err := postgres.Open(ctx, cfg.URL, postgres.Options{MaxOpenConns: cfg.MaxOpenConns})
		if err != nil {
			return nil, err
		}
		if err := migrations.Apply(ctx, db, migrations.DialectPostgres, logger); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
		logger.Info("Database connection established", "driver", cfg.Driver)
		return &storage{
			jobStore: postgres.NewPostgresJobStore(db, logger),
			health:   db.PingContext,
			close:    db.Close,
		}, nil

	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return &storage{
			jobStore: sqlite.NewJobStore(db, logger),
			health:   db.PingContext,
			close:    db.Close,
		}, nil

	case config.DriverMemory:
		logger.Warn("using in-memory job store; queue state is lost on restart")
		return &storage{
			jobStore: memory.NewJobStore(),
			close:    func() error { return nil },
		}, nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// handleMigrations runs one migration command against the configured
// database without starting the server.
func handleMigrations(ctx context.Context, cfg *config.Config, command string, logger *slog.Logger) error {
	var (
		db      *sql.DB
		dialect string
	)
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pg, err := postgres.Open(ctx, cfg.Database.URL, postgres.Options{MaxOpenConns: 1})
		if err != nil {
			return err
		}
		defer func() { _ = pg.Close() }()
		db, dialect = pg, migrations.DialectPostgres
	case config.DriverSQLite:
		// Opening a sqlite database already applies pending migrations.
		lite, err := sqlite.Open(ctx, cfg.Database.SQLitePath, logger)
		if err != nil {
			return err
		}
		defer func() { _ = lite.Close() }()
		db, dialect = lite.DB, migrations.DialectSQLite
	default:
		return fmt.Errorf("driver %q has no migrations", cfg.Database.Driver)
	}

	switch command {
	case "up":
		return migrations.Apply(ctx, db, dialect, logger)
	case "status":
		version, err := migrations.Version(ctx, db, dialect, logger)
		if err != nil {
			return err
		}
		logger.Info("migration status", "version", version, "dialect", dialect)
		return nil
	case "reset":
		return migrations.Reset(ctx, db, dialect, logger)
	default:
		return fmt.Errorf("unknown migration command %q", command)
	}
}
