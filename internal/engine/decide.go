package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/codex-k8s/governance-plane/internal/approval"
	"github.com/codex-k8s/governance-plane/internal/audit"
	"github.com/codex-k8s/governance-plane/internal/authz"
	"github.com/codex-k8s/governance-plane/internal/chain"
)

var errExpired = errors.New("approval expired")

// StepDecision is a human decision on one chain step.
type StepDecision struct {
	StepID   string           `json:"step_id"`
	Operator Operator         `json:"operator"`
	Status   chain.StepStatus `json:"status"`
	Note     string           `json:"note,omitempty"`
}

// StepOutcome reports a step decision. When Authorization denies, nothing changed.
type StepOutcome struct {
	Authorization authz.Result      `json:"authorization"`
	Step          chain.Step        `json:"step"`
	Activated     []chain.Step      `json:"activated,omitempty"`
	Skipped       []chain.Step      `json:"skipped,omitempty"`
	ChainApproved bool              `json:"chain_approved"`
	ChainRejected bool              `json:"chain_rejected"`
	Approval      approval.Approval `json:"approval"`
	Dispatch      *DispatchOutcome  `json:"dispatch,omitempty"`
	Message       string            `json:"message"`
}

// ApprovalDecision is a human decision on a whole approval.
type ApprovalDecision struct {
	ApprovalID string          `json:"approval_id"`
	Operator   Operator        `json:"operator"`
	Status     approval.Status `json:"status"`
	Note       string          `json:"note,omitempty"`
}

// ApprovalOutcome reports an approval decision.
type ApprovalOutcome struct {
	Authorization authz.Result      `json:"authorization"`
	Approval      approval.Approval `json:"approval"`
	// Cancelled lists chain steps skipped by a rejection.
	Cancelled []chain.Step     `json:"cancelled,omitempty"`
	Dispatch  *DispatchOutcome `json:"dispatch,omitempty"`
	Message   string           `json:"message"`
}

// DecideStep applies an approve/reject decision to an active chain step. The
// operator must hold the permissions of the step's role. Completing or
// rejecting the chain decides the approval in the same transaction.
func (e *Engine) DecideStep(ctx context.Context, d StepDecision) (StepOutcome, error) {
	if err := d.Operator.validate(); err != nil {
		return StepOutcome{}, err
	}
	if d.Status != chain.StepApproved && d.Status != chain.StepRejected {
		return StepOutcome{}, fmt.Errorf("%w: %s", chain.ErrInvalidStatus, d.Status)
	}
	step, err := e.chains.GetStep(ctx, d.StepID)
	if err != nil {
		return StepOutcome{}, err
	}
	a, err := e.approvals.Get(ctx, step.ApprovalID)
	if err != nil {
		return StepOutcome{}, err
	}
	if err := e.pendingOrExpire(ctx, a); err != nil {
		return StepOutcome{}, err
	}
	if step.Status != chain.StepActive {
		return StepOutcome{}, fmt.Errorf("%w: step %s is %s", chain.ErrNotApplicable, step.ID, step.Status)
	}

	s := approvalScope(a, d.Operator.ID)
	res := e.policy.CheckAuthorization(ctx, d.Operator.authzRequest(authz.IntentStepDecide, nil, step.Role, e.clock()))
	e.recordAuthorization(ctx, s, res)
	out := StepOutcome{Authorization: res, Step: step, Approval: a}
	if !res.Allowed {
		out.Message = e.text("evaluate.denied", map[string]any{"Intent": authz.IntentStepDecide, "Reason": res.Reason}, "Step decision denied: "+res.Reason)
		return out, nil
	}

	var decided chain.DecideResult
	var final approval.DecideResult
	err = e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		decided, err = e.chains.InTx(tx).DecideStep(ctx, step.ID, d.Operator.ID, d.Status, d.Note)
		if err != nil {
			return err
		}
		if !decided.Applied {
			return fmt.Errorf("%w: step %s", chain.ErrNotApplicable, step.ID)
		}
		var status approval.Status
		switch {
		case decided.Rejected:
			status = approval.StatusRejected
		case decided.AllApproved:
			status = approval.StatusApproved
		default:
			return nil
		}
		final, err = e.approvals.InTx(tx).Decide(ctx, a.ID, d.Operator.ID, status, d.Note)
		if err != nil {
			return err
		}
		if final.Expired {
			return errExpired
		}
		if !final.Decided {
			return fmt.Errorf("%w: approval %s", approval.ErrNotApplicable, a.ID)
		}
		return nil
	})
	if errors.Is(err, errExpired) {
		e.expireOne(ctx, a)
		return StepOutcome{}, fmt.Errorf("%w: approval %s expired", approval.ErrNotApplicable, a.ID)
	}
	if err != nil {
		return StepOutcome{}, err
	}

	now := e.clock()
	out.Step = decided.Step
	out.Activated = decided.Activated
	out.Skipped = decided.Skipped
	out.ChainApproved = decided.AllApproved
	out.ChainRejected = decided.Rejected
	if final.Decided {
		out.Approval = final.Approval
	}

	details := map[string]any{
		"approval_id": a.ID,
		"step_id":     decided.Step.ID,
		"role":        decided.Step.Role,
		"order":       decided.Step.Order,
		"advanced":    decided.Advanced,
		"activated":   stepIDs(decided.Activated),
		"skipped":     stepIDs(decided.Skipped),
	}
	if d.Note != "" {
		details["note"] = d.Note
	}
	if res.Delegation != nil {
		details["delegation_id"] = res.Delegation.ID
	}
	e.record(ctx, eventID("chain_step_decided", decided.Step.ID), audit.ChainStepDecided, s, string(decided.Step.Status), details)
	activatedAt := decided.Step.CreatedAt
	if decided.Step.ActivatedAt != nil {
		activatedAt = *decided.Step.ActivatedAt
	}
	e.metrics.ChainStepDecided(string(decided.Step.Status), since(activatedAt, now))
	e.logger.Info("Chain step decided",
		"approval_id", a.ID,
		"step_id", decided.Step.ID,
		"role", decided.Step.Role,
		"status", string(decided.Step.Status),
		"operator_id", d.Operator.ID,
	)

	data := map[string]any{"ApprovalID": a.ID, "Role": decided.Step.Role, "Status": string(decided.Step.Status)}
	switch {
	case decided.Rejected:
		e.metrics.ChainRejected()
		e.approvalDecided(ctx, final.Approval, d.Operator.ID, d.Note)
		out.Message = e.text("chain.rejected", data, "Approval "+a.ID+" rejected")
	case decided.AllApproved:
		e.metrics.ChainCompleted()
		e.approvalDecided(ctx, final.Approval, d.Operator.ID, d.Note)
		out.Message = e.text("chain.completed", data, "Approval "+a.ID+" approved")
		out.Dispatch = e.maybeAutoDispatch(ctx, final.Approval, d.Operator.ID)
	default:
		out.Message = e.text("step.decided", data, "Step "+decided.Step.Role+" "+string(decided.Step.Status))
	}
	return out, nil
}

// DecideApproval rejects an approval at any point of its chain, or approves
// it once every chain step is approved.
func (e *Engine) DecideApproval(ctx context.Context, d ApprovalDecision) (ApprovalOutcome, error) {
	if err := d.Operator.validate(); err != nil {
		return ApprovalOutcome{}, err
	}
	if d.Status != approval.StatusApproved && d.Status != approval.StatusRejected {
		return ApprovalOutcome{}, fmt.Errorf("%w: %s", approval.ErrInvalidStatus, d.Status)
	}
	a, err := e.approvals.Get(ctx, d.ApprovalID)
	if err != nil {
		return ApprovalOutcome{}, err
	}

	s := approvalScope(a, d.Operator.ID)
	res := e.policy.CheckAuthorization(ctx, d.Operator.authzRequest(authz.IntentApprovalDecide, nil, "", e.clock()))
	e.recordAuthorization(ctx, s, res)
	out := ApprovalOutcome{Authorization: res, Approval: a}
	if !res.Allowed {
		out.Message = e.text("evaluate.denied", map[string]any{"Intent": authz.IntentApprovalDecide, "Reason": res.Reason}, "Approval decision denied: "+res.Reason)
		return out, nil
	}
	if err := e.pendingOrExpire(ctx, a); err != nil {
		return ApprovalOutcome{}, err
	}
	if d.Status == approval.StatusApproved {
		summary, err := e.chains.GetChainSummary(ctx, a.ID)
		switch {
		case errors.Is(err, chain.ErrNotFound):
		case err != nil:
			return ApprovalOutcome{}, err
		case !summary.AllApproved:
			return ApprovalOutcome{}, fmt.Errorf("%w: chain of %s is not complete", approval.ErrNotApplicable, a.ID)
		}
	}

	var final approval.DecideResult
	var cancelled []chain.Step
	err = e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		final, err = e.approvals.InTx(tx).Decide(ctx, a.ID, d.Operator.ID, d.Status, d.Note)
		if err != nil {
			return err
		}
		if final.Expired {
			return errExpired
		}
		if !final.Decided {
			return fmt.Errorf("%w: approval %s", approval.ErrNotApplicable, a.ID)
		}
		if d.Status == approval.StatusRejected {
			cancelled, err = e.chains.InTx(tx).Cancel(ctx, a.ID)
		}
		return err
	})
	if errors.Is(err, errExpired) {
		e.expireOne(ctx, a)
		return ApprovalOutcome{}, fmt.Errorf("%w: approval %s expired", approval.ErrNotApplicable, a.ID)
	}
	if err != nil {
		return ApprovalOutcome{}, err
	}

	out.Approval = final.Approval
	out.Cancelled = cancelled
	e.approvalDecided(ctx, final.Approval, d.Operator.ID, d.Note)
	out.Message = e.text("approval.decided", map[string]any{"ApprovalID": a.ID, "Status": string(final.Approval.Status)},
		"Approval "+a.ID+" is "+string(final.Approval.Status))
	if final.Approval.Status == approval.StatusApproved {
		out.Dispatch = e.maybeAutoDispatch(ctx, final.Approval, d.Operator.ID)
	}
	return out, nil
}

// pendingOrExpire returns ErrNotApplicable unless a is pending and not yet
// expired. An overdue approval is expired on the way.
func (e *Engine) pendingOrExpire(ctx context.Context, a approval.Approval) error {
	if a.Status != approval.StatusPending {
		return fmt.Errorf("%w: approval %s is %s", approval.ErrNotApplicable, a.ID, a.Status)
	}
	if a.Expired(e.clock()) {
		e.expireOne(ctx, a)
		return fmt.Errorf("%w: approval %s expired", approval.ErrNotApplicable, a.ID)
	}
	return nil
}

func (e *Engine) approvalDecided(ctx context.Context, a approval.Approval, operatorID, note string) {
	details := map[string]any{"approval_id": a.ID, "request_id": a.RequestID}
	if note != "" {
		details["note"] = note
	}
	e.record(ctx, eventID("approval_decided", a.ID), audit.ApprovalDecided, approvalScope(a, operatorID), string(a.Status), details)
	e.metrics.ApprovalDecided(string(a.Status), since(a.CreatedAt, e.clock()))
	e.logger.Info("Approval decided",
		"approval_id", a.ID,
		"status", string(a.Status),
		"operator_id", operatorID,
	)
}

func (e *Engine) maybeAutoDispatch(ctx context.Context, a approval.Approval, operatorID string) *DispatchOutcome {
	if !e.autoDispatch {
		return nil
	}
	out, err := e.dispatchApproved(ctx, a, operatorID)
	if err != nil {
		e.logger.Error("Auto dispatch failed", "approval_id", a.ID, "error", err)
		return nil
	}
	return &out
}

func stepIDs(steps []chain.Step) []string {
	if len(steps) == 0 {
		return nil
	}
	out := make([]string, 0, len(steps))
	for _, step := range steps {
		out = append(out, step.ID)
	}
	return out
}
