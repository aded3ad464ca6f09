package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codex-k8s/governance-plane/internal/approval"
	"github.com/codex-k8s/governance-plane/internal/audit"
	"github.com/codex-k8s/governance-plane/internal/authz"
	"github.com/codex-k8s/governance-plane/internal/dispatch"
	"github.com/codex-k8s/governance-plane/internal/metrics"
	"github.com/codex-k8s/governance-plane/internal/plan"
	"github.com/codex-k8s/governance-plane/internal/policy"
)

// DispatchRequest releases an approved plan.
type DispatchRequest struct {
	ApprovalID string   `json:"approval_id"`
	Operator   Operator `json:"operator"`
}

// DispatchOutcome reports a release. Result is nil when nothing was dispatched.
type DispatchOutcome struct {
	Authorization *authz.Result               `json:"authorization,omitempty"`
	Approval      approval.Approval           `json:"approval"`
	Result        *dispatch.Result            `json:"result,omitempty"`
	Drift         *policy.DriftClassification `json:"drift,omitempty"`
	// Reason is set when the release was refused.
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

// Dispatch executes an approved plan exactly once. Concurrent calls for the
// same approval have one winner; the others get ErrNotApplicable.
func (e *Engine) Dispatch(ctx context.Context, req DispatchRequest) (DispatchOutcome, error) {
	if err := req.Operator.validate(); err != nil {
		return DispatchOutcome{}, err
	}
	a, err := e.approvals.Get(ctx, req.ApprovalID)
	if err != nil {
		return DispatchOutcome{}, err
	}
	steps, err := e.plansOf(a)
	if err != nil {
		return DispatchOutcome{}, err
	}

	res := e.policy.CheckAuthorization(ctx, req.Operator.authzRequest(authz.IntentDispatch, stepConnectors(steps), "", e.clock()))
	e.recordAuthorization(ctx, approvalScope(a, req.Operator.ID), res)
	if !res.Allowed {
		return DispatchOutcome{
			Authorization: &res,
			Approval:      a,
			Reason:        res.Reason,
			Message:       e.text("evaluate.denied", map[string]any{"Intent": authz.IntentDispatch, "Reason": res.Reason}, "Dispatch denied: "+res.Reason),
		}, nil
	}
	if a.Status != approval.StatusApproved {
		return DispatchOutcome{}, fmt.Errorf("%w: approval %s is %s", approval.ErrNotApplicable, a.ID, a.Status)
	}

	out, err := e.dispatchApproved(ctx, a, req.Operator.ID)
	if err != nil {
		return DispatchOutcome{}, err
	}
	out.Authorization = &res
	return out, nil
}

func (e *Engine) dispatchApproved(ctx context.Context, a approval.Approval, releasedBy string) (DispatchOutcome, error) {
	s := approvalScope(a, releasedBy)
	out := DispatchOutcome{Approval: a}

	hook := e.policy.AuthorizeRelease(ctx, policy.Release{
		ApprovalID:     a.ID,
		RequestID:      a.RequestID,
		Intent:         a.Intent,
		OperatorID:     a.OperatorID,
		WorkspaceID:    a.WorkspaceID,
		MunicipalityID: a.MunicipalityID,
		PlanDigest:     a.PlanDigest,
		ReleasedBy:     releasedBy,
	})
	if !hook.Accepted {
		e.record(ctx, "", audit.ApprovalDispatched, s, ReasonReleaseRejected, map[string]any{
			"approval_id": a.ID,
			"hook_reason": hook.Reason,
		})
		e.logger.Warn("Release rejected", "approval_id", a.ID, "reason", hook.Reason)
		out.Reason = ReasonReleaseRejected
		out.Message = e.text("dispatch.release_rejected", map[string]any{"ApprovalID": a.ID, "Reason": hook.Reason},
			"Release of "+a.ID+" rejected")
		return out, nil
	}

	consumed, ok, err := e.approvals.ConsumeForDispatch(ctx, a.ID)
	if err != nil {
		return DispatchOutcome{}, err
	}
	if !ok {
		e.metrics.DispatchConsume(metrics.CASConflict)
		return DispatchOutcome{}, fmt.Errorf("%w: approval %s is not ready for dispatch", approval.ErrNotApplicable, a.ID)
	}
	e.metrics.DispatchConsume(metrics.CASWon)

	// The approval is consumed; the rest runs to completion regardless of the caller.
	ctx = context.WithoutCancel(ctx)
	steps, err := e.plansOf(consumed)
	if err == nil {
		var digest string
		if digest, err = plan.Digest(steps); err == nil && digest != consumed.PlanDigest {
			err = fmt.Errorf("%s: stored %s, computed %s", ReasonPlanDigestMismatch, consumed.PlanDigest, digest)
		}
	}
	if err != nil {
		return e.abortDispatch(ctx, consumed, s, err)
	}

	dc := dispatch.Context{
		ApprovalID:     consumed.ID,
		RequestID:      consumed.RequestID,
		Intent:         consumed.Intent,
		OperatorID:     consumed.OperatorID,
		WorkspaceID:    consumed.WorkspaceID,
		MunicipalityID: consumed.MunicipalityID,
		PlanDigest:     consumed.PlanDigest,
	}
	started := e.now()
	result := e.dispatchPlan().Dispatch(ctx, dc, steps)
	latency := since(started, e.now())

	raw, err := json.Marshal(result)
	if err != nil {
		return DispatchOutcome{}, fmt.Errorf("encode dispatch result: %w", err)
	}
	mark := e.approvals.MarkDispatched
	if !result.Success() {
		mark = e.approvals.MarkDispatchFailed
	}
	final, ok, err := mark(ctx, consumed.ID, raw)
	if err != nil {
		return DispatchOutcome{}, err
	}
	if !ok {
		return DispatchOutcome{}, fmt.Errorf("%w: approval %s left dispatching", approval.ErrNotApplicable, consumed.ID)
	}

	drift := e.policy.ClassifyDrift(ctx, policy.DriftReport{
		ApprovalID: final.ID,
		RequestID:  final.RequestID,
		Intent:     final.Intent,
		PlanDigest: final.PlanDigest,
		Result:     result,
	})

	e.record(ctx, eventID("approval_dispatched", final.ID), audit.ApprovalDispatched, s, string(final.Status), map[string]any{
		"approval_id":  final.ID,
		"request_id":   final.RequestID,
		"plan_digest":  final.PlanDigest,
		"dispatched":   result.Dispatched,
		"failed":       result.Failed,
		"skipped":      result.Skipped,
		"steps":        result.Steps,
		"drift_class":  drift.Class,
		"drift_reason": drift.Reason,
	})
	e.metrics.DispatchFinished(result.Success(), latency)
	e.logger.Info("Approval dispatched",
		"approval_id", final.ID,
		"status", string(final.Status),
		"dispatched", result.Dispatched,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"drift", drift.Class,
	)

	out.Approval = final
	out.Result = &result
	out.Drift = &drift
	out.Message = e.text("dispatch.finished", map[string]any{
		"ApprovalID": final.ID, "Dispatched": result.Dispatched, "Failed": result.Failed, "Skipped": result.Skipped,
	}, "Dispatch of "+final.ID+" finished")
	return out, nil
}

// abortDispatch fails a consumed approval whose plan cannot be trusted.
func (e *Engine) abortDispatch(ctx context.Context, a approval.Approval, s scope, cause error) (DispatchOutcome, error) {
	raw, err := json.Marshal(map[string]any{"error": cause.Error()})
	if err != nil {
		return DispatchOutcome{}, err
	}
	final, ok, err := e.approvals.MarkDispatchFailed(ctx, a.ID, raw)
	if err != nil {
		return DispatchOutcome{}, err
	}
	if !ok {
		return DispatchOutcome{}, fmt.Errorf("%w: approval %s left dispatching", approval.ErrNotApplicable, a.ID)
	}
	e.record(ctx, eventID("approval_dispatched", final.ID), audit.ApprovalDispatched, s, string(final.Status), map[string]any{
		"approval_id": final.ID,
		"error":       cause.Error(),
	})
	e.metrics.DispatchFinished(false, 0)
	e.logger.Error("Dispatch aborted", "approval_id", final.ID, "error", cause)
	return DispatchOutcome{
		Approval: final,
		Reason:   ReasonPlanDigestMismatch,
		Message:  e.text("dispatch.finished", map[string]any{"ApprovalID": final.ID, "Dispatched": 0, "Failed": 0, "Skipped": 0}, cause.Error()),
	}, nil
}

func (e *Engine) dispatchPlan() dispatch.Plan {
	retry := e.retry
	observer := retry.OnRetry
	retry.OnRetry = func(ev dispatch.RetryEvent) {
		e.metrics.DispatchRetry(ev.Connector)
		e.logger.Warn("Dispatch attempt failed, retrying",
			"step_id", ev.StepID,
			"connector", ev.Connector,
			"attempt", ev.Attempt,
			"delay", ev.Delay.String(),
			"error", ev.Err,
		)
		if observer != nil {
			observer(ev)
		}
	}
	return dispatch.Plan{Resolver: e.dispatchers, Policy: retry}
}
