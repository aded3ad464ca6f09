// Package startup runs one-time hooks before the server accepts requests.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/codex-k8s/governance-plane/internal/dsl"
	"github.com/codex-k8s/governance-plane/internal/executil"
	"github.com/codex-k8s/governance-plane/internal/timeutil"
)

// Run executes hooks in order and stops at the first failure.
func Run(ctx context.Context, hooks []dsl.HookConfig, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	for idx, hook := range hooks {
		if strings.TrimSpace(hook.Command) == "" {
			continue
		}
		logger.Info("Running startup hook", "index", idx, "command", hook.Command)
		output, code, err := runHook(ctx, hook)
		output = strings.TrimSpace(output)
		if err != nil {
			if output != "" {
				logger.Error("Startup hook failed", "index", idx, "exit_code", code, "output", output)
			}
			return fmt.Errorf("startup hook %d failed: %w", idx, err)
		}
		if output != "" {
			logger.Info("Startup hook output", "index", idx, "output", output)
		}
	}
	return nil
}

func runHook(ctx context.Context, hook dsl.HookConfig) (string, int, error) {
	if timeout := timeutil.ParseDurationOrDefault(hook.Timeout, 0); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res, err := executil.Command{Name: hook.Command, Args: hook.Args, Env: hook.Env}.Run(ctx, executil.TemplateData{})
	if err == nil && res.ExitCode != 0 {
		err = fmt.Errorf("exit code %d", res.ExitCode)
	}
	return res.Output, res.ExitCode, err
}
