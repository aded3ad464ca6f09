package engine

import (
	"context"
	"time"

	"github.com/codex-k8s/governance-plane/internal/approval"
	"github.com/codex-k8s/governance-plane/internal/audit"
	"github.com/codex-k8s/governance-plane/internal/authz"
	"github.com/codex-k8s/governance-plane/internal/security"
)

type scope struct {
	operatorID     string
	workspaceID    string
	municipalityID string
	intent         string
}

func approvalScope(a approval.Approval, operatorID string) scope {
	return scope{operatorID: operatorID, workspaceID: a.WorkspaceID, municipalityID: a.MunicipalityID, intent: a.Intent}
}

// record writes one audit event. Audit failures are logged; the fact they
// describe has already happened.
func (e *Engine) record(ctx context.Context, id string, eventType audit.EventType, s scope, outcome string, details map[string]any) {
	event := audit.NewEvent(eventType)
	if id != "" {
		event.EventID = id
	}
	event.Timestamp = e.clock()
	event.OperatorID = s.operatorID
	event.WorkspaceID = s.workspaceID
	event.MunicipalityID = s.municipalityID
	event.Intent = s.intent
	event.Outcome = outcome
	event.Details = details
	if err := e.policy.WriteAuditEvent(ctx, event); err != nil {
		e.logger.Error("Audit write failed",
			"event_id", event.EventID,
			"event_type", string(eventType),
			"error", err,
		)
	}
}

func (e *Engine) recordAuthorization(ctx context.Context, s scope, res authz.Result) {
	outcome := "allowed"
	if !res.Allowed {
		outcome = "denied"
	}
	details := map[string]any{
		"reason":   res.Reason,
		"required": res.Required,
		"trace":    res.Trace,
	}
	if res.Via != "" {
		details["via"] = res.Via
	}
	if res.Delegation != nil {
		details["delegation_id"] = res.Delegation.ID
	}
	if len(res.Candidates) > 0 {
		ids := make([]string, 0, len(res.Candidates))
		for _, c := range res.Candidates {
			ids = append(ids, c.ID)
		}
		details["candidates"] = ids
	}
	e.record(ctx, "", audit.AuthorizationChecked, s, outcome, details)
}

func redactedParams(params map[string]any) map[string]any {
	if len(params) == 0 {
		return nil
	}
	return security.RedactArguments(params)
}

func since(t time.Time, now time.Time) time.Duration {
	if t.IsZero() || now.Before(t) {
		return 0
	}
	return now.Sub(t)
}
