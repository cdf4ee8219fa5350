// Package migrations embeds the versioned schema for every SQL backend and
// applies it with goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pressly/goose/v3"
)

// TableName is the goose version table.
const TableName = "schema_migrations"

// Dialect names accepted by Apply.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// goose keeps its configuration in package globals.
var gooseMu sync.Mutex

// slogGooseLogger adapts slog to goose.Logger.
type slogGooseLogger struct {
	logger *slog.Logger
}

// Printf implements the goose.Logger Printf method by forwarding messages to slog.Info
func (l *slogGooseLogger) Printf(format string, v ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, v...))
}

// Fatalf implements the goose.Logger Fatalf method by forwarding error messages to slog.Error.
// goose calls it for unrecoverable states; Apply returns the error instead of exiting.
func (l *slogGooseLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

func gooseDialect(dialect string) (string, error) {
	switch dialect {
	case DialectPostgres:
		return "postgres", nil
	case DialectSQLite:
		return "sqlite3", nil
	default:
		return "", fmt.Errorf("unsupported migration dialect %q", dialect)
	}
}

// Apply runs every pending up migration for dialect against db.
func Apply(ctx context.Context, db *sql.DB, dialect string, logger *slog.Logger) error {
	return run(ctx, db, dialect, logger, func(ctx context.Context, db *sql.DB, dir string) error {
		return goose.UpContext(ctx, db, dir)
	})
}

// Version returns the schema version currently recorded in db.
func Version(ctx context.Context, db *sql.DB, dialect string, logger *slog.Logger) (int64, error) {
	var version int64
	err := run(ctx, db, dialect, logger, func(ctx context.Context, db *sql.DB, dir string) error {
		v, err := goose.GetDBVersionContext(ctx, db)
		version = v
		return err
	})
	return version, err
}

// Reset rolls every migration back. Tests use it to start from an empty schema.
func Reset(ctx context.Context, db *sql.DB, dialect string, logger *slog.Logger) error {
	return run(ctx, db, dialect, logger, func(ctx context.Context, db *sql.DB, dir string) error {
		return goose.ResetContext(ctx, db, dir)
	})
}

func run(
	ctx context.Context,
	db *sql.DB,
	dialect string,
	logger *slog.Logger,
	op func(ctx context.Context, db *sql.DB, dir string) error,
) error {
	name, err := gooseDialect(dialect)
	if err != nil {
		return err
	}
	if logger == nil {
		logger = slog.Default()
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(files)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(&slogGooseLogger{logger: logger.With(slog.String("component", "migrations"))})
	goose.SetTableName(TableName)
	if err := goose.SetDialect(name); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	if err := op(ctx, db, dialect); err != nil {
		return fmt.Errorf("migration failed for %s: %w", dialect, err)
	}
	return nil
}
