package statedb

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowjay/posvault/internal/model"
)

func createLiveDB(t *testing.T, path string, rows int) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`CREATE TABLE orders (id INTEGER PRIMARY KEY, total INTEGER NOT NULL)`)
	require.NoError(t, err)
	for i := 0; i < rows; i++ {
		_, err = db.Exec(`INSERT INTO orders (total) VALUES (?)`, i*100)
		require.NoError(t, err)
	}
}

func countOrders(t *testing.T, path string) int {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM orders`).Scan(&n))
	return n
}

func TestSnapshotProducesValidCopy(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	live := filepath.Join(dir, "store.db")
	createLiveDB(t, live, 5)

	dest := filepath.Join(dir, "snap", "copy.db")
	require.NoError(t, Snapshot(ctx, live, dest))
	require.NoError(t, Validate(ctx, dest))
	assert.Equal(t, 5, countOrders(t, dest))

	// A second snapshot to the same path replaces the first.
	require.NoError(t, Snapshot(ctx, live, dest))
	assert.Equal(t, 5, countOrders(t, dest))
}

func TestSnapshotMissingLive(t *testing.T) {
	err := Snapshot(context.Background(), filepath.Join(t.TempDir(), "none.db"), filepath.Join(t.TempDir(), "x.db"))
	assert.ErrorIs(t, err, model.ErrSourceCorrupted)
}

func TestValidateRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.db")
	require.NoError(t, os.WriteFile(garbage, []byte("this is definitely not a sqlite database file, just text padding it out"), 0o600))
	assert.ErrorIs(t, Validate(ctx, garbage), model.ErrDatabaseValidation)

	empty := filepath.Join(dir, "empty.db")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	assert.ErrorIs(t, Validate(ctx, empty), model.ErrDatabaseValidation)

	assert.ErrorIs(t, Validate(ctx, filepath.Join(dir, "missing.db")), model.ErrDatabaseValidation)
}
