// Package storetest opens throwaway SQLite stores for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/governance-plane/internal/store"
)

// Open returns a migrated store backed by a file in t.TempDir().
func Open(t testing.TB) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "governance.db")
	db, err := store.Open(context.Background(), store.DriverSQLite, path, store.PoolConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}
