package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codex-k8s/governance-plane/configs"
	"github.com/codex-k8s/governance-plane/internal/app"
	"github.com/codex-k8s/governance-plane/internal/bootstrap"
	"github.com/codex-k8s/governance-plane/internal/config"
	"github.com/codex-k8s/governance-plane/internal/connector"
	"github.com/codex-k8s/governance-plane/internal/constants"
	"github.com/codex-k8s/governance-plane/internal/dsl"
	"github.com/codex-k8s/governance-plane/internal/http/health"
	"github.com/codex-k8s/governance-plane/internal/log"
	"github.com/codex-k8s/governance-plane/internal/mcpserver"
	"github.com/codex-k8s/governance-plane/internal/startup"
)

func main() {
	embeddedConfig := flag.String("embedded-config", "", "Use a bundled config by name, e.g. "+configs.Default)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	dslCfg, err := loadDSL(cfg, *embeddedConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse config failed: %v\n", err)
		os.Exit(1)
	}

	// stdout belongs to the MCP stream on the stdio transport.
	logger := log.New(cfg.LogLevel)
	if dslCfg.Server.Transport == constants.TransportStdio {
		logger = log.NewWithWriter(os.Stderr, cfg.LogLevel)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	go func() {
		sig := <-sigCh
		logger.Warn("shutdown requested", "signal", sig.String())
		cancel()
	}()

	if err := run(baseCtx, cfg, dslCfg, logger); err != nil {
		logger.Error("runtime error", "error", err)
		os.Exit(1)
	}
}

func loadDSL(cfg config.Config, embedded string) (*dsl.Config, error) {
	if embedded != "" {
		raw, err := configs.Load(embedded)
		if err != nil {
			return nil, err
		}
		return dsl.LoadTemplate(embedded, raw)
	}
	return dsl.LoadFile(cfg.ConfigPath)
}

func run(ctx context.Context, cfg config.Config, dslCfg *dsl.Config, logger *slog.Logger) error {
	if err := startup.Run(ctx, dslCfg.Server.StartupHooks, logger); err != nil {
		return fmt.Errorf("startup hooks: %w", err)
	}

	rt, err := bootstrap.Build(ctx, cfg, dslCfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("close store failed", "error", err)
		}
	}()
	logger.Info("governance plane ready",
		"policy_mode", dslCfg.Policy.Mode,
		"intents", len(rt.Engine.Intents()),
		"transport", dslCfg.Server.Transport,
		"lang", rt.Messages.Lang())

	go rt.Sweeper.Run(ctx)

	server := mcpserver.Builder{
		Name:    dslCfg.Server.Name,
		Version: dslCfg.Server.Version,
		Engine:  rt.Engine,
		Logger:  logger,
	}.Build()

	if dslCfg.Server.Transport == constants.TransportStdio {
		return server.Run(ctx, &mcp.StdioTransport{})
	}
	return runHTTP(ctx, cfg, dslCfg, rt, server, logger)
}

func runHTTP(ctx context.Context, cfg config.Config, dslCfg *dsl.Config, rt *bootstrap.Runtime, server *mcp.Server, logger *slog.Logger) error {
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, &mcp.StreamableHTTPOptions{
		Stateless: dslCfg.Server.HTTP.Stateless,
	})

	application, err := app.New(ctx, dslCfg.Server, app.Handlers{
		MCP:     handler,
		Metrics: rt.Metrics.Handler(),
		Callback: &connector.CallbackHandler{
			Store:  rt.Pending,
			Secret: dslCfg.Server.CallbackSecret,
			Logger: logger,
		},
	}, map[string]health.Check{"database": rt.DB.Ping}, logger, cfg.ShutdownTimeout)
	if err != nil {
		return err
	}
	return application.Run(ctx)
}
