package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/governance-plane/internal/store"
	"github.com/codex-k8s/governance-plane/internal/store/storetest"
)

func TestNormalizeDriver(t *testing.T) {
	tests := map[string]string{
		"postgres": store.DriverPostgres,
		"PGX":      store.DriverPostgres,
		"sqlite":   store.DriverSQLite,
		"":         store.DriverSQLite,
	}
	for in, want := range tests {
		got, err := store.NormalizeDriver(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := store.NormalizeDriver("mysql")
	assert.Error(t, err)
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := storetest.Open(t)
	require.NoError(t, db.Migrate(context.Background()))

	var count int
	require.NoError(t, db.GetContext(context.Background(), &count,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('approvals', 'chain_templates', 'chain_template_steps', 'chain_steps', 'audit_events')"))
	assert.Equal(t, 5, count)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db := storetest.Open(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(
			"INSERT INTO chain_templates (id, name, version, created_at) VALUES (?, ?, ?, ?)"),
			"t-1", "default", 1, store.Now())
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.GetContext(ctx, &count, "SELECT COUNT(*) FROM chain_templates"))
	assert.Zero(t, count)
}

func TestIsUniqueViolation(t *testing.T) {
	db := storetest.Open(t)
	ctx := context.Background()
	insert := db.Rebind("INSERT INTO chain_templates (id, name, version, created_at) VALUES (?, ?, ?, ?)")

	_, err := db.ExecContext(ctx, insert, "t-1", "default", 1, store.Now())
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, insert, "t-2", "default", 1, store.Now())
	require.Error(t, err)
	assert.True(t, store.IsUniqueViolation(err))
	assert.False(t, store.IsUniqueViolation(errors.New("other")))
}
