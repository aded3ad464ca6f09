package bootstrap

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/governance-plane/configs"
	"github.com/codex-k8s/governance-plane/internal/config"
	"github.com/codex-k8s/governance-plane/internal/dsl"
	"github.com/codex-k8s/governance-plane/internal/engine"
	"github.com/codex-k8s/governance-plane/internal/policy"
)

func loadConfig(t *testing.T) *dsl.Config {
	t.Helper()
	raw, err := configs.Load("governance.yaml")
	require.NoError(t, err)
	cfg, err := dsl.LoadTemplate("governance.yaml", raw)
	require.NoError(t, err)
	return cfg
}

func envConfig(t *testing.T) config.Config {
	return config.Config{
		DBDriver:       "sqlite3",
		DBDSN:          filepath.Join(t.TempDir(), "governance.db"),
		DBMaxOpenConns: 4,
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := loadConfig(t)
	ApplyOverrides(config.Config{PolicyMode: " Remote ", ApprovalTTL: 2 * time.Hour, SweepInterval: 30 * time.Second, Lang: "ru"}, cfg)
	assert.Equal(t, "remote", cfg.Policy.Mode)
	assert.Equal(t, "2h0m0s", cfg.Engine.ApprovalTTL)
	assert.Equal(t, "30s", cfg.Engine.SweepInterval)
	assert.Equal(t, "ru", cfg.Server.Lang)
}

func TestNewPolicySelectsMode(t *testing.T) {
	cfg := loadConfig(t)
	logger := slog.New(slog.DiscardHandler)

	provider, err := NewPolicy(cfg, nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &policy.Local{}, provider)

	cfg.Policy.Mode = "remote"
	provider, err = NewPolicy(cfg, nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &policy.Remote{}, provider)

	cfg.Policy.Mode = "ldap"
	_, err = NewPolicy(cfg, nil, logger)
	assert.Error(t, err)
}

func TestBuildWiresEngine(t *testing.T) {
	ctx := context.Background()
	rt, err := Build(ctx, envConfig(t), loadConfig(t), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	require.NoError(t, rt.DB.Ping(ctx))
	assert.Len(t, rt.Engine.Intents(), 3)

	flushed, err := rt.Engine.Evaluate(ctx, engine.ActionRequest{
		RequestID:   "req-flush",
		Intent:      "cache.flush",
		Operator:    engine.Operator{ID: "op-1", Permissions: []string{"cache:flush"}},
		WorkspaceID: "ws-1",
	})
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeDispatched, flushed.Outcome)

	pending, err := rt.Engine.Evaluate(ctx, engine.ActionRequest{
		RequestID:   "req-config",
		Intent:      "config.update",
		Operator:    engine.Operator{ID: "op-1", Permissions: []string{"config:write"}},
		WorkspaceID: "ws-1",
		Params:      map[string]any{"key": "feature.x"},
	})
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomePendingApproval, pending.Outcome)
	require.Len(t, pending.Chain, 1)
	assert.Equal(t, "approver", pending.Chain[0].Role)

	assert.Equal(t, 0, rt.Sweeper.Sweep(ctx))
}
