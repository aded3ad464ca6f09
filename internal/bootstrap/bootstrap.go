// Package bootstrap wires the store, policy provider, connectors and engine
// from the environment and DSL configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/codex-k8s/governance-plane/internal/approval"
	"github.com/codex-k8s/governance-plane/internal/audit"
	"github.com/codex-k8s/governance-plane/internal/authz"
	"github.com/codex-k8s/governance-plane/internal/chain"
	"github.com/codex-k8s/governance-plane/internal/config"
	"github.com/codex-k8s/governance-plane/internal/connector"
	"github.com/codex-k8s/governance-plane/internal/constants"
	"github.com/codex-k8s/governance-plane/internal/dispatch"
	"github.com/codex-k8s/governance-plane/internal/dsl"
	"github.com/codex-k8s/governance-plane/internal/engine"
	"github.com/codex-k8s/governance-plane/internal/limits"
	"github.com/codex-k8s/governance-plane/internal/metrics"
	"github.com/codex-k8s/governance-plane/internal/plan"
	"github.com/codex-k8s/governance-plane/internal/policy"
	"github.com/codex-k8s/governance-plane/internal/store"
	"github.com/codex-k8s/governance-plane/internal/templates"
)

// Runtime holds the wired components.
type Runtime struct {
	DB       *store.DB
	Engine   *engine.Engine
	Audit    *audit.SQLSink
	Policy   policy.Provider
	Metrics  *metrics.Prometheus
	Pending  *connector.PendingStore
	Messages *templates.Bundle
	// Sweeper expires overdue approvals through the engine.
	Sweeper approval.Sweeper
}

// Close releases the database handle.
func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

// ApplyOverrides copies environment overrides into the DSL config.
func ApplyOverrides(env config.Config, cfg *dsl.Config) {
	if mode := strings.TrimSpace(env.PolicyMode); mode != "" {
		cfg.Policy.Mode = strings.ToLower(mode)
	}
	if env.ApprovalTTL > 0 {
		cfg.Engine.ApprovalTTL = env.ApprovalTTL.String()
	}
	if env.SweepInterval > 0 {
		cfg.Engine.SweepInterval = env.SweepInterval.String()
	}
	if lang := strings.TrimSpace(env.Lang); lang != "" {
		cfg.Server.Lang = lang
	}
}

// OpenStore connects to the configured database and migrates it.
func OpenStore(ctx context.Context, env config.Config) (*store.DB, error) {
	return store.Open(ctx, env.DBDriver, env.DBDSN, store.PoolConfig{
		MaxOpenConns:    env.DBMaxOpenConns,
		MaxIdleConns:    env.DBMaxOpenConns,
		ConnMaxLifetime: env.DBConnMaxLifetime,
	})
}

// Build wires every component. The caller owns Runtime.Close.
func Build(ctx context.Context, env config.Config, cfg *dsl.Config, logger *slog.Logger) (*Runtime, error) {
	ApplyOverrides(env, cfg)

	messages, err := templates.Load(cfg.Server.Lang)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}

	db, err := OpenStore(ctx, env)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		DB:       db,
		Audit:    audit.NewSQLSink(db),
		Metrics:  metrics.NewPrometheus(),
		Pending:  connector.NewPendingStore(),
		Messages: messages,
	}
	if err := rt.build(cfg, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return rt, nil
}

func (r *Runtime) build(cfg *dsl.Config, logger *slog.Logger) error {
	provider, err := NewPolicy(cfg, r.Audit, logger)
	if err != nil {
		return err
	}
	r.Policy = provider

	registry := dispatch.NewRegistry()
	if err := connector.RegisterAll(registry, cfg.ConnectorSpecs(), connector.Deps{
		Logger:      logger,
		Pending:     r.Pending,
		CallbackURL: cfg.Server.CallbackURL,
	}); err != nil {
		return err
	}

	guard, err := limits.New(cfg.LimitPolicies(), r.Messages)
	if err != nil {
		return fmt.Errorf("limits: %w", err)
	}

	approvalTTL, sweepInterval, resultTTL := cfg.Engine.Durations()
	now := store.Now
	approvals := approval.NewStore(r.DB, approval.WithTTL(approvalTTL), approval.WithClock(now))
	r.Engine, err = engine.New(engine.Options{
		DB:           r.DB,
		Approvals:    approvals,
		Chains:       chain.NewStore(r.DB).WithClock(now),
		Policy:       provider,
		Plans:        plan.NewBuilder(cfg.IntentSpecs()),
		Dispatchers:  registry,
		Retry:        cfg.Engine.RetryPolicy(),
		Guard:        guard,
		Metrics:      r.Metrics,
		Messages:     r.Messages,
		Logger:       logger,
		AutoDispatch: cfg.Engine.AutoDispatch,
		ResultTTL:    resultTTL,
		Now:          now,
	})
	if err != nil {
		return err
	}
	r.Sweeper = approval.Sweeper{Expirer: r.Engine, Interval: sweepInterval, Logger: logger}
	return nil
}

// NewPolicy returns the local or remote provider selected by policy.mode.
func NewPolicy(cfg *dsl.Config, sink *audit.SQLSink, logger *slog.Logger) (policy.Provider, error) {
	switch cfg.Policy.Mode {
	case constants.PolicyRemote:
		remote, err := policy.NewRemote(cfg.RemoteConfig(), logger)
		if err != nil {
			return nil, err
		}
		return remote, nil
	case constants.PolicyLocal, "":
		evaluator := authz.NewEvaluator(cfg.PermissionTable())
		return policy.NewLocal(evaluator, cfg.Routes(), audit.Multi{sink, audit.New(logger)}), nil
	default:
		return nil, fmt.Errorf("unsupported policy mode %q", cfg.Policy.Mode)
	}
}
