package connector

import (
	"context"
	"log/slog"

	"github.com/codex-k8s/governance-plane/internal/dispatch"
	"github.com/codex-k8s/governance-plane/internal/security"
)

// Log records plan steps in the structured log without touching any system.
type Log struct {
	Logger *slog.Logger
	Level  slog.Level
}

// Dispatch logs the step and reports success.
func (l Log) Dispatch(ctx context.Context, req dispatch.Request) (string, error) {
	if l.Logger != nil {
		l.Logger.Log(ctx, l.Level, "connector dispatch",
			"connector", req.Step.Connector,
			"step_id", req.Step.ID,
			"approval_id", req.Context.ApprovalID,
			"request_id", req.Context.RequestID,
			"correlation_id", req.CorrelationID,
			"attempt", req.Attempt,
			"payload", security.RedactArguments(req.Step.Payload),
		)
	}
	return "logged", nil
}
