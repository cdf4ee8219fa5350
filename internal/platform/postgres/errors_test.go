package postgres_test

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/segqueue/internal/platform/postgres"
	"github.com/phrazzld/segqueue/internal/store"
	"github.com/stretchr/testify/assert"
)

// Mock PgError creation helper
func newPgError(code string) *pgconn.PgError {
	return &pgconn.PgError{
		Code:           code,
		Message:        "error message",
		TableName:      "queue_items",
		ColumnName:     "test_column",
		ConstraintName: "test_constraint",
	}
}

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		expected error
	}{
		{"no rows", sql.ErrNoRows, store.ErrNotFound},
		{"unique violation", newPgError("23505"), store.ErrDuplicate},
		{"foreign key violation", newPgError("23503"), store.ErrInvalidEntity},
		{"check violation", newPgError("23514"), store.ErrInvalidEntity},
		{"not null violation", newPgError("23502"), store.ErrInvalidEntity},
		{"too many connections", newPgError("53300"), store.ErrUnavailable},
		{"admin shutdown", newPgError("57P01"), store.ErrUnavailable},
		{"connection failure class", newPgError("08006"), store.ErrUnavailable},
		{"bad conn", driver.ErrBadConn, store.ErrUnavailable},
		{"deadline", fmt.Errorf("ping: %w", context.DeadlineExceeded), store.ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mapped := postgres.MapError(tt.err)
			assert.True(t, errors.Is(mapped, tt.expected), "expected %v, got %v", tt.expected, mapped)
		})
	}

	t.Run("nil", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, postgres.MapError(nil))
	})

	t.Run("unmapped pg error passes through", func(t *testing.T) {
		t.Parallel()
		original := newPgError("42P01")
		assert.Same(t, original, postgres.MapError(original))
	})

	t.Run("plain error passes through", func(t *testing.T) {
		t.Parallel()
		original := errors.New("boom")
		assert.Equal(t, original, postgres.MapError(original))
	})
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	assert.True(t, postgres.IsUniqueViolation(newPgError("23505")))
	assert.True(t, postgres.IsUniqueViolation(fmt.Errorf("wrapped: %w", newPgError("23505"))))
	assert.False(t, postgres.IsUniqueViolation(newPgError("23503")))
	assert.False(t, postgres.IsUniqueViolation(errors.New("other")))
}

func TestIsNotFoundError(t *testing.T) {
	t.Parallel()

	assert.True(t, postgres.IsNotFoundError(sql.ErrNoRows))
	assert.True(t, postgres.IsNotFoundError(store.ErrQueueItemNotFound))
	assert.False(t, postgres.IsNotFoundError(errors.New("other")))
}
