package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesDirectoryAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "termmux.db")
	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var name string
	require.NoError(t, db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'session_history'`).Scan(&name))
	assert.Equal(t, "session_history", name)

	// Reopening runs the migrations again without error.
	db2, err := Open(path)
	require.NoError(t, err)
	db2.Close()
}

func TestNewTestDB(t *testing.T) {
	db, err := NewTestDB()
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`INSERT INTO session_history (id, project_id, mode, state, created_at, updated_at)
		VALUES ('s1', 'p', 'normal', 'active', datetime('now'), datetime('now'))`)
	require.NoError(t, err)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM session_history`).Scan(&n))
	assert.Equal(t, 1, n)
}
