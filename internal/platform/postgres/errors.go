package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/segqueue/internal/store"
)

// PostgreSQL error codes
const (
	// uniqueViolationCode is the PostgreSQL error code for unique constraint violations
	uniqueViolationCode = "23505"

	// foreignKeyViolationCode is the PostgreSQL error code for foreign key violations
	foreignKeyViolationCode = "23503"

	// checkViolationCode is the PostgreSQL error code for check constraint violations
	checkViolationCode = "23514"

	// notNullViolationCode is the PostgreSQL error code for not null violations
	notNullViolationCode = "23502"

	// tooManyConnectionsCode is raised when the server refuses new sessions
	tooManyConnectionsCode = "53300"

	// adminShutdownCode is raised on sessions of a server that is shutting down
	adminShutdownCode = "57P01"

	// connectionExceptionClass prefixes every class 08 connection error
	connectionExceptionClass = "08"
)

// MapError maps a database error to an appropriate store error.
// It wraps the original error to preserve context and provide better debugging information.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", store.ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == uniqueViolationCode:
			return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
		case pgErr.Code == foreignKeyViolationCode:
			return fmt.Errorf("%w: foreign key violation (%s): %v",
				store.ErrInvalidEntity, pgErr.ConstraintName, err)
		case pgErr.Code == checkViolationCode:
			return fmt.Errorf("%w: check constraint violation (%s): %v",
				store.ErrInvalidEntity, pgErr.ConstraintName, err)
		case pgErr.Code == notNullViolationCode:
			return fmt.Errorf("%w: not null violation (%s): %v",
				store.ErrInvalidEntity, pgErr.ColumnName, err)
		case pgErr.Code == tooManyConnectionsCode,
			pgErr.Code == adminShutdownCode,
			strings.HasPrefix(pgErr.Code, connectionExceptionClass):
			return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
		return err
	}

	if IsConnectionError(err) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	return err
}

// IsConnectionError reports whether err means the database could not be reached.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsUniqueViolation checks if the given error is a PostgreSQL unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// IsNotFoundError checks if the given error represents a "not found" scenario.
// This handles both sql.ErrNoRows and errors that are or wrap store.ErrNotFound.
func IsNotFoundError(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, store.ErrNotFound)
}

// rowsAffected returns the affected row count of an UPDATE. For conditional
// updates a zero count is the compare-and-swap failure signal, not an error.
func rowsAffected(result sql.Result) (int64, error) {
	if result == nil {
		return 0, fmt.Errorf("nil result provided to rowsAffected")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
