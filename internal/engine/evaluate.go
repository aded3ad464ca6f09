package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/codex-k8s/governance-plane/internal/approval"
	"github.com/codex-k8s/governance-plane/internal/audit"
	"github.com/codex-k8s/governance-plane/internal/authz"
	"github.com/codex-k8s/governance-plane/internal/chain"
	"github.com/codex-k8s/governance-plane/internal/dispatch"
	"github.com/codex-k8s/governance-plane/internal/plan"
	"github.com/codex-k8s/governance-plane/internal/policy"
	"github.com/codex-k8s/governance-plane/internal/store"
)

// ActionRequest is one operator action submitted for evaluation.
type ActionRequest struct {
	// RequestID is the caller's idempotency key.
	RequestID      string         `json:"request_id"`
	Intent         string         `json:"intent"`
	Operator       Operator       `json:"operator"`
	WorkspaceID    string         `json:"workspace_id"`
	MunicipalityID string         `json:"municipality_id,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
}

// Evaluation is the engine's answer to an ActionRequest.
type Evaluation struct {
	RequestID string `json:"request_id"`
	Intent    string `json:"intent"`
	// Decision is approved or denied.
	Decision string `json:"decision"`
	// Outcome is denied, pending_approval, dispatched or dispatch_failed.
	Outcome       string             `json:"outcome"`
	Reason        string             `json:"reason,omitempty"`
	Message       string             `json:"message,omitempty"`
	Authorization *authz.Result      `json:"authorization,omitempty"`
	Plan          []plan.Step        `json:"plan,omitempty"`
	PlanDigest    string             `json:"plan_digest,omitempty"`
	Approval      *approval.Approval `json:"approval,omitempty"`
	Chain         []chain.Step       `json:"chain,omitempty"`
	Dispatch      *dispatch.Result   `json:"dispatch,omitempty"`
	// Existing is true when the request id had already been evaluated.
	Existing bool `json:"existing,omitempty"`
}

// Evaluate authorizes an action, builds its plan and either dispatches it
// (ungoverned intents) or hands it off for approval. Repeated calls with the
// same request id return the first outcome.
func (e *Engine) Evaluate(ctx context.Context, req ActionRequest) (Evaluation, error) {
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.Intent = strings.TrimSpace(req.Intent)
	if req.RequestID == "" {
		return Evaluation{}, fmt.Errorf("%w: request id is required", ErrInvalidRequest)
	}
	if req.Intent == "" {
		return Evaluation{}, fmt.Errorf("%w: intent is required", ErrInvalidRequest)
	}
	if err := req.Operator.validate(); err != nil {
		return Evaluation{}, err
	}
	v, err, _ := e.inflight.Do(req.RequestID, func() (any, error) {
		return e.evaluate(ctx, req)
	})
	if err != nil {
		return Evaluation{}, err
	}
	return v.(Evaluation), nil
}

func (e *Engine) evaluate(ctx context.Context, req ActionRequest) (Evaluation, error) {
	if cached, ok := e.results.Get(req.RequestID); ok {
		cached.Existing = true
		return cached, nil
	}
	found, err := e.approvals.GetByRequestID(ctx, req.RequestID)
	if err == nil {
		return e.existing(ctx, found)
	}
	if !errors.Is(err, approval.ErrNotFound) {
		return Evaluation{}, fmt.Errorf("lookup request %s: %w", req.RequestID, err)
	}

	s := scope{operatorID: req.Operator.ID, workspaceID: req.WorkspaceID, municipalityID: req.MunicipalityID, intent: req.Intent}
	spec, ok := e.plans.Intent(req.Intent)
	if !ok {
		return e.deny(ctx, req, s, ReasonUnknownIntent, "", nil, nil), nil
	}
	req.Intent, s.intent = spec.Name, spec.Name

	if verdict := e.guard.Check(spec.Name, req.Operator.ID, req.Params); !verdict.Allowed {
		return e.deny(ctx, req, s, verdict.Reason, verdict.Message, nil, nil), nil
	}

	connectors := spec.TouchedConnectors()
	res := e.policy.CheckAuthorization(ctx, req.Operator.authzRequest(spec.Name, connectors, "", e.clock()))
	e.recordAuthorization(ctx, s, res)
	if !res.Allowed {
		return e.deny(ctx, req, s, res.Reason, "", &res, nil), nil
	}

	steps, err := e.plans.Build(spec.Name, req.Params)
	if err != nil {
		return Evaluation{}, fmt.Errorf("build plan: %w", err)
	}
	if missing := e.dispatchers.Missing(stepConnectors(steps)); len(missing) > 0 {
		return e.deny(ctx, req, s, ReasonDispatcherUnavailable, "", &res, map[string]any{"missing": missing}), nil
	}
	digest, err := plan.Digest(steps)
	if err != nil {
		return Evaluation{}, err
	}

	ev := Evaluation{
		RequestID:     req.RequestID,
		Intent:        spec.Name,
		Decision:      approval.DecisionApproved,
		Authorization: &res,
		Plan:          steps,
		PlanDigest:    digest,
	}
	if !spec.Governed {
		return e.runUngoverned(ctx, req, s, ev), nil
	}
	return e.handOff(ctx, req, s, ev, connectors)
}

func stepConnectors(steps []plan.Step) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, step := range steps {
		if step.Connector == "" {
			continue
		}
		if _, ok := seen[step.Connector]; ok {
			continue
		}
		seen[step.Connector] = struct{}{}
		out = append(out, step.Connector)
	}
	return out
}

func (e *Engine) deny(ctx context.Context, req ActionRequest, s scope, reason, message string, res *authz.Result, details map[string]any) Evaluation {
	if message == "" {
		message = e.text("evaluate.denied", map[string]any{"Intent": req.Intent, "Reason": reason}, "Action "+req.Intent+" denied: "+reason)
	}
	if details == nil {
		details = map[string]any{}
	}
	details["request_id"] = req.RequestID
	details["reason"] = reason
	if params := redactedParams(req.Params); params != nil {
		details["params"] = params
	}
	e.record(ctx, "", audit.ActionEvaluated, s, OutcomeDenied, details)
	e.metrics.ActionEvaluated(req.Intent, OutcomeDenied)
	e.logger.Info("Action denied",
		"request_id", req.RequestID,
		"intent", req.Intent,
		"operator_id", req.Operator.ID,
		"reason", reason,
	)
	return Evaluation{
		RequestID:     req.RequestID,
		Intent:        req.Intent,
		Decision:      approval.DecisionDenied,
		Outcome:       OutcomeDenied,
		Reason:        reason,
		Message:       message,
		Authorization: res,
	}
}

func (e *Engine) existing(ctx context.Context, a approval.Approval) (Evaluation, error) {
	steps, err := e.plansOf(a)
	if err != nil {
		return Evaluation{}, err
	}
	chainSteps, err := e.chains.Steps(ctx, a.ID)
	if err != nil {
		return Evaluation{}, err
	}
	ev := Evaluation{
		RequestID:  a.RequestID,
		Intent:     a.Intent,
		Decision:   a.Decision,
		Outcome:    outcomeOf(a.Status),
		Plan:       steps,
		PlanDigest: a.PlanDigest,
		Approval:   &a,
		Chain:      chainSteps,
		Existing:   true,
	}
	if len(a.DispatchResult) > 0 {
		var result dispatch.Result
		if err := json.Unmarshal(a.DispatchResult, &result); err == nil {
			ev.Dispatch = &result
		}
	}
	ev.Message = e.text("evaluate.existing", map[string]any{
		"RequestID": a.RequestID, "ApprovalID": a.ID, "Status": string(a.Status),
	}, "Request "+a.RequestID+" was already evaluated")
	return ev, nil
}

func (e *Engine) plansOf(a approval.Approval) ([]plan.Step, error) {
	steps, err := plan.Decode(a.Plan)
	if err != nil {
		return nil, fmt.Errorf("approval %s: %w", a.ID, err)
	}
	return steps, nil
}

func outcomeOf(status approval.Status) string {
	switch status {
	case approval.StatusDispatched:
		return OutcomeDispatched
	case approval.StatusDispatchFailed:
		return OutcomeDispatchFailed
	case approval.StatusRejected, approval.StatusExpired:
		return OutcomeDenied
	default:
		return OutcomePendingApproval
	}
}

func (e *Engine) runUngoverned(ctx context.Context, req ActionRequest, s scope, ev Evaluation) Evaluation {
	dc := dispatch.Context{
		RequestID:      req.RequestID,
		Intent:         req.Intent,
		OperatorID:     req.Operator.ID,
		WorkspaceID:    req.WorkspaceID,
		MunicipalityID: req.MunicipalityID,
		PlanDigest:     ev.PlanDigest,
	}
	started := e.now()
	result := e.dispatchPlan().Dispatch(context.WithoutCancel(ctx), dc, ev.Plan)
	e.metrics.DispatchFinished(result.Success(), since(started, e.now()))

	ev.Dispatch = &result
	ev.Outcome = OutcomeDispatched
	if !result.Success() {
		ev.Outcome = OutcomeDispatchFailed
	}
	ev.Message = e.text("evaluate.dispatched", map[string]any{
		"Intent": req.Intent, "Dispatched": result.Dispatched, "Failed": result.Failed, "Skipped": result.Skipped,
	}, "Action "+req.Intent+" executed")

	e.record(ctx, eventID("action_evaluated", req.RequestID), audit.ActionEvaluated, s, ev.Outcome, map[string]any{
		"request_id":  req.RequestID,
		"plan_digest": ev.PlanDigest,
		"governed":    false,
		"dispatched":  result.Dispatched,
		"failed":      result.Failed,
		"skipped":     result.Skipped,
		"params":      redactedParams(req.Params),
	})
	e.metrics.ActionEvaluated(req.Intent, ev.Outcome)
	e.results.Set(req.RequestID, ev)
	e.logger.Info("Ungoverned action dispatched",
		"request_id", req.RequestID,
		"intent", req.Intent,
		"dispatched", result.Dispatched,
		"failed", result.Failed,
		"skipped", result.Skipped,
	)
	return ev
}

func (e *Engine) handOff(ctx context.Context, req ActionRequest, s scope, ev Evaluation, connectors []string) (Evaluation, error) {
	tpl, err := e.policy.GetChainTemplate(ctx, req.Intent, req.MunicipalityID)
	if err != nil {
		e.logger.Error("Chain template lookup failed", "intent", req.Intent, "error", err)
		return e.deny(ctx, req, s, ReasonTemplateUnavailable, "", ev.Authorization, map[string]any{"error": err.Error()}), nil
	}
	stored, err := e.chains.EnsureTemplate(ctx, tpl)
	if err != nil {
		if errors.Is(err, chain.ErrInvalidTemplate) {
			return e.deny(ctx, req, s, ReasonTemplateUnavailable, "", ev.Authorization, map[string]any{"error": err.Error()}), nil
		}
		return Evaluation{}, fmt.Errorf("store chain template: %w", err)
	}

	hook := e.policy.RegisterManifest(ctx, policy.Manifest{
		RequestID:      req.RequestID,
		Intent:         req.Intent,
		OperatorID:     req.Operator.ID,
		WorkspaceID:    req.WorkspaceID,
		MunicipalityID: req.MunicipalityID,
		PlanDigest:     ev.PlanDigest,
		Connectors:     connectors,
		Steps:          ev.Plan,
	})
	if !hook.Accepted {
		return e.deny(ctx, req, s, ReasonManifestRejected, "", ev.Authorization, map[string]any{"hook_reason": hook.Reason}), nil
	}

	encoded, err := plan.Encode(ev.Plan)
	if err != nil {
		return Evaluation{}, err
	}
	snapshot, err := json.Marshal(map[string]any{
		"authorization": ev.Authorization,
		"params":        redactedParams(req.Params),
		"template":      map[string]any{"id": stored.ID, "name": stored.Name, "version": stored.Version},
		"evaluated_at":  e.clock(),
	})
	if err != nil {
		return Evaluation{}, fmt.Errorf("encode audit snapshot: %w", err)
	}

	var created approval.Approval
	var steps []chain.Step
	err = e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		created, err = e.approvals.InTx(tx).Create(ctx, approval.CreateInput{
			RequestID:      req.RequestID,
			Intent:         req.Intent,
			Decision:       approval.DecisionApproved,
			OperatorID:     req.Operator.ID,
			WorkspaceID:    req.WorkspaceID,
			MunicipalityID: req.MunicipalityID,
			Plan:           encoded,
			PlanDigest:     ev.PlanDigest,
			AuditSnapshot:  snapshot,
		})
		if err != nil {
			return err
		}
		steps, err = e.chains.InTx(tx).CreateChainForApproval(ctx, created.ID, stored.ID)
		return err
	})
	if err != nil {
		if store.IsUniqueViolation(err) {
			if found, lookupErr := e.approvals.GetByRequestID(ctx, req.RequestID); lookupErr == nil {
				return e.existing(ctx, found)
			}
		}
		return Evaluation{}, fmt.Errorf("hand off %s: %w", req.RequestID, err)
	}

	ev.Outcome = OutcomePendingApproval
	ev.Approval = &created
	ev.Chain = steps
	ev.Message = e.text("evaluate.pending", map[string]any{
		"ApprovalID": created.ID, "Intent": req.Intent, "Roles": strings.Join(activeRoles(steps), ", "),
	}, "Approval "+created.ID+" created")

	e.record(ctx, eventID("approval_created", created.ID), audit.ApprovalCreated, s, string(created.Status), map[string]any{
		"approval_id":   created.ID,
		"request_id":    req.RequestID,
		"plan_digest":   ev.PlanDigest,
		"template_id":   stored.ID,
		"template_name": stored.Name,
		"chain_steps":   len(steps),
		"expires_at":    created.ExpiresAt,
	})
	e.record(ctx, eventID("action_evaluated", req.RequestID), audit.ActionEvaluated, s, OutcomePendingApproval, map[string]any{
		"request_id":  req.RequestID,
		"approval_id": created.ID,
		"governed":    true,
		"params":      redactedParams(req.Params),
	})
	e.metrics.ActionEvaluated(req.Intent, OutcomePendingApproval)
	e.metrics.ApprovalCreated(req.Intent)
	e.metrics.ChainStepsCreated(len(steps))
	e.logger.Info("Approval created",
		"approval_id", created.ID,
		"request_id", req.RequestID,
		"intent", req.Intent,
		"template", stored.Name,
		"chain_steps", len(steps),
		"chain_groups", stored.Groups(),
	)
	return ev, nil
}

func activeRoles(steps []chain.Step) []string {
	var roles []string
	for _, step := range steps {
		if step.Status == chain.StepActive {
			roles = append(roles, step.Role)
		}
	}
	return roles
}
