package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func TestApplySQLite(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Apply(ctx, db, DialectSQLite, nil))

	version, err := Version(ctx, db, DialectSQLite, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	// Applying again is a no-op
	require.NoError(t, Apply(ctx, db, DialectSQLite, nil))

	var n int
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('queue_items', 'project_sequences')`,
	).Scan(&n))
	assert.Equal(t, 2, n)

	require.NoError(t, Reset(ctx, db, DialectSQLite, nil))
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'queue_items'`,
	).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestApplyUnknownDialect(t *testing.T) {
	err := Apply(context.Background(), nil, "mysql", nil)
	assert.ErrorContains(t, err, "unsupported migration dialect")
}

func TestEmbeddedFiles(t *testing.T) {
	for _, dir := range []string{DialectPostgres, DialectSQLite} {
		entries, err := files.ReadDir(dir)
		require.NoError(t, err)
		assert.Len(t, entries, 2, dir)
	}
}
