package engine

import (
	"context"

	"github.com/codex-k8s/governance-plane/internal/approval"
	"github.com/codex-k8s/governance-plane/internal/audit"
)

// ExpirePending expires every overdue pending approval and cancels its chain.
// It satisfies approval.Expirer so the sweeper drives it.
func (e *Engine) ExpirePending(ctx context.Context) ([]approval.Approval, error) {
	expired, err := e.approvals.ExpirePending(ctx)
	if err != nil {
		return nil, err
	}
	e.afterExpiry(ctx, expired)
	return expired, nil
}

func (e *Engine) expireOne(ctx context.Context, a approval.Approval) {
	expired, ok, err := e.approvals.Expire(ctx, a.ID)
	if err != nil {
		e.logger.Error("Expire approval failed", "approval_id", a.ID, "error", err)
		return
	}
	if ok {
		e.afterExpiry(ctx, []approval.Approval{expired})
	}
}

func (e *Engine) afterExpiry(ctx context.Context, expired []approval.Approval) {
	if len(expired) == 0 {
		return
	}
	now := e.clock()
	for _, a := range expired {
		skipped, err := e.chains.Cancel(ctx, a.ID)
		if err != nil {
			e.logger.Error("Cancel chain failed", "approval_id", a.ID, "error", err)
		}
		e.record(ctx, eventID("approval_decided", a.ID), audit.ApprovalDecided, approvalScope(a, a.OperatorID), string(approval.StatusExpired), map[string]any{
			"approval_id": a.ID,
			"request_id":  a.RequestID,
			"expires_at":  a.ExpiresAt,
			"skipped":     stepIDs(skipped),
		})
		e.metrics.ApprovalDecided(string(approval.StatusExpired), since(a.CreatedAt, now))
		e.logger.Info("Approval expired", "approval_id", a.ID, "request_id", a.RequestID)
	}
	e.metrics.ApprovalExpired(len(expired))
}
