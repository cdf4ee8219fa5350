package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/phrazzld/segqueue/internal/platform/migrations"
	"github.com/phrazzld/segqueue/internal/store"

	_ "modernc.org/sqlite"
)

// ErrLocked is returned by Open when another process holds the database.
var ErrLocked = errors.New("sqlite database is locked by another process")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
	maxOpenConns            = 4
)

// DB is an open, migrated sqlite database plus its process lock.
type DB struct {
	*sql.DB
	path string
	lock *flock.Flock
}

// Open creates (if needed), locks and migrates the database at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure database directory: %w", err)
		}
	}

	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire database lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)

	if err := migrations.Apply(ctx, db, migrations.DialectSQLite, logger); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}

	logger.Info("sqlite database opened", slog.String("path", path))
	return &DB{DB: db, path: path, lock: lock}, nil
}

// Path returns the database file location.
func (d *DB) Path() string {
	return d.path
}

// Close closes the underlying database connection and releases the lock.
func (d *DB) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	closeErr := d.DB.Close()
	if err := d.lock.Unlock(); err != nil && closeErr == nil {
		closeErr = fmt.Errorf("release database lock: %w", err)
	}
	return closeErr
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy runs op until it succeeds, fails with a non-busy error, or the
// attempts are exhausted. Exhausted retries surface as store.ErrUnavailable.
func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) {
			return lastErr
		}
		if attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, lastErr)
}
