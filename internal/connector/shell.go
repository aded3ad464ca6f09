package connector

import (
	"context"
	"fmt"
	"strings"

	"github.com/codex-k8s/governance-plane/internal/dispatch"
	"github.com/codex-k8s/governance-plane/internal/executil"
)

// Shell dispatches a plan step by running a command template.
type Shell struct {
	// Command is the command to execute; rendered with the step payload as args.
	Command string
	// Args are command arguments.
	Args []string
	// Env adds environment variables.
	Env map[string]string
}

// Dispatch runs the configured command. A non-zero exit is a permanent failure.
func (s Shell) Dispatch(ctx context.Context, req dispatch.Request) (string, error) {
	res, err := executil.Command{Name: s.Command, Args: s.Args, Env: s.Env}.Run(ctx, executil.TemplateData{
		Args:          req.Step.Payload,
		Connector:     req.Step.Connector,
		StepID:        req.Step.ID,
		ApprovalID:    req.Context.ApprovalID,
		CorrelationID: req.CorrelationID,
	})
	output := strings.TrimSpace(res.Output)
	if err != nil {
		if ctx.Err() != nil {
			return output, fmt.Errorf("command interrupted: %w", ctx.Err())
		}
		if res.ExitCode > 0 {
			return output, fmt.Errorf("command exited with code %d: %s", res.ExitCode, output)
		}
		return output, err
	}
	return output, nil
}
