package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/codex-k8s/governance-plane/internal/dsl"
	"github.com/codex-k8s/governance-plane/internal/http/health"
	"github.com/codex-k8s/governance-plane/internal/timeutil"
)

// Handlers are the endpoints mounted next to the probes.
type Handlers struct {
	// MCP serves the streamable MCP endpoint.
	MCP http.Handler
	// Metrics serves Prometheus metrics; optional.
	Metrics http.Handler
	// Callback receives async connector results; optional.
	Callback http.Handler
}

// App controls the HTTP server lifecycle.
type App struct {
	baseCtx         context.Context
	server          *http.Server
	health          *health.Handler
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

// New initializes the HTTP server with health endpoints.
func New(baseCtx context.Context, serverCfg dsl.ServerConfig, handlers Handlers, checks map[string]health.Check, logger *slog.Logger, shutdownTimeout time.Duration) (*App, error) {
	if handlers.MCP == nil {
		return nil, fmt.Errorf("mcp handler is nil")
	}
	if baseCtx == nil {
		return nil, fmt.Errorf("base context is nil")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	healthHandler := health.New(checks)
	srv := &http.Server{
		Addr:         serverCfg.HTTP.Listen,
		Handler:      Router(serverCfg.HTTP, handlers, healthHandler),
		ReadTimeout:  timeutil.ParseDurationOrDefault(serverCfg.HTTP.ReadTimeout, 15*time.Second),
		WriteTimeout: timeutil.ParseDurationOrDefault(serverCfg.HTTP.WriteTimeout, 15*time.Second),
		IdleTimeout:  timeutil.ParseDurationOrDefault(serverCfg.HTTP.IdleTimeout, 60*time.Second),
	}

	if shutdownTimeout == 0 {
		shutdownTimeout = timeutil.ParseDurationOrDefault(serverCfg.ShutdownTimeout, 10*time.Second)
	}

	return &App{
		baseCtx:         baseCtx,
		server:          srv,
		health:          healthHandler,
		logger:          logger,
		shutdownTimeout: shutdownTimeout,
	}, nil
}

// Router mounts probes, metrics, the connector callback and the MCP endpoint.
func Router(cfg dsl.HTTPConfig, handlers Handlers, probes *health.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", probes.Healthz)
	r.Get("/readyz", probes.Readyz)
	if handlers.Metrics != nil && strings.TrimSpace(cfg.MetricsPath) != "" {
		r.Method(http.MethodGet, cfg.MetricsPath, handlers.Metrics)
	}
	if handlers.Callback != nil && strings.TrimSpace(cfg.CallbackPath) != "" {
		r.Method(http.MethodPost, cfg.CallbackPath, handlers.Callback)
	}
	path := cfg.Path
	if strings.TrimSpace(path) == "" {
		path = "/mcp"
	}
	r.Handle(path, handlers.MCP)
	r.Handle(strings.TrimSuffix(path, "/")+"/*", handlers.MCP)
	return r
}

// Run starts the HTTP server and blocks until shutdown.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.health.SetReady()
		a.logger.Info("http server started", "addr", a.server.Addr)
		errCh <- a.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
		return a.shutdown()
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		a.logger.Error("http server error", "error", err)
		return err
	}
}

func (a *App) shutdown() error {
	a.health.SetNotReady()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(a.baseCtx), a.shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
