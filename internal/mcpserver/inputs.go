package mcpserver

import (
	"fmt"
	"strings"

	"github.com/codex-k8s/governance-plane/internal/approval"
	"github.com/codex-k8s/governance-plane/internal/authz"
	"github.com/codex-k8s/governance-plane/internal/chain"
	"github.com/codex-k8s/governance-plane/internal/engine"
	"github.com/codex-k8s/governance-plane/internal/timeutil"
)

// OperatorInput identifies the calling operator.
type OperatorInput struct {
	ID          string            `json:"id" jsonschema:"operator id"`
	Role        string            `json:"role,omitempty" jsonschema:"operator role label"`
	Permissions []string          `json:"permissions,omitempty" jsonschema:"permissions held directly by the operator"`
	Delegations []DelegationInput `json:"delegations,omitempty" jsonschema:"delegations held by the operator"`
}

// DelegationInput is a delegation with RFC3339 time bounds.
type DelegationInput struct {
	ID             string      `json:"id" jsonschema:"delegation id"`
	FromOperatorID string      `json:"from_operator_id,omitempty"`
	ToOperatorID   string      `json:"to_operator_id,omitempty"`
	Scope          authz.Scope `json:"scope" jsonschema:"intents, permissions and connectors covered"`
	Precedence     int         `json:"precedence,omitempty" jsonschema:"higher wins among overlapping delegations"`
	StartsAt       string      `json:"starts_at,omitempty" jsonschema:"RFC3339 inclusive start"`
	EndsAt         string      `json:"ends_at,omitempty" jsonschema:"RFC3339 exclusive end"`
	RevokedAt      string      `json:"revoked_at,omitempty" jsonschema:"RFC3339 revocation time"`
}

func (o OperatorInput) operator() (engine.Operator, error) {
	op := engine.Operator{ID: strings.TrimSpace(o.ID), Role: o.Role, Permissions: o.Permissions}
	for i, in := range o.Delegations {
		d := authz.Delegation{
			ID:             in.ID,
			FromOperatorID: in.FromOperatorID,
			ToOperatorID:   in.ToOperatorID,
			Scope:          in.Scope,
			Precedence:     in.Precedence,
		}
		var err error
		if d.StartsAt, err = timeutil.ParseOptional(in.StartsAt); err != nil {
			return engine.Operator{}, fmt.Errorf("%w: delegations[%d].starts_at: %v", engine.ErrInvalidRequest, i, err)
		}
		if d.EndsAt, err = timeutil.ParseOptional(in.EndsAt); err != nil {
			return engine.Operator{}, fmt.Errorf("%w: delegations[%d].ends_at: %v", engine.ErrInvalidRequest, i, err)
		}
		if d.RevokedAt, err = timeutil.ParseOptional(in.RevokedAt); err != nil {
			return engine.Operator{}, fmt.Errorf("%w: delegations[%d].revoked_at: %v", engine.ErrInvalidRequest, i, err)
		}
		op.Delegations = append(op.Delegations, d)
	}
	return op, nil
}

// EvaluateInput submits an action request.
type EvaluateInput struct {
	RequestID      string         `json:"request_id" jsonschema:"idempotency key of the request"`
	Intent         string         `json:"intent" jsonschema:"intent name, see list_intents"`
	Operator       OperatorInput  `json:"operator" jsonschema:"requesting operator"`
	WorkspaceID    string         `json:"workspace_id" jsonschema:"workspace scope"`
	MunicipalityID string         `json:"municipality_id,omitempty" jsonschema:"municipality scope used for chain routing"`
	Params         map[string]any `json:"params,omitempty" jsonschema:"intent parameters"`
}

func (in EvaluateInput) request() (engine.ActionRequest, error) {
	op, err := in.Operator.operator()
	if err != nil {
		return engine.ActionRequest{}, err
	}
	return engine.ActionRequest{
		RequestID:      in.RequestID,
		Intent:         in.Intent,
		Operator:       op,
		WorkspaceID:    in.WorkspaceID,
		MunicipalityID: in.MunicipalityID,
		Params:         in.Params,
	}, nil
}

// DecideStepInput decides one chain step.
type DecideStepInput struct {
	StepID   string        `json:"step_id" jsonschema:"chain step id"`
	Operator OperatorInput `json:"operator" jsonschema:"deciding operator"`
	Status   string        `json:"status" jsonschema:"approved or rejected"`
	Note     string        `json:"note,omitempty" jsonschema:"decision note"`
}

func (in DecideStepInput) decision() (engine.StepDecision, error) {
	op, err := in.Operator.operator()
	if err != nil {
		return engine.StepDecision{}, err
	}
	return engine.StepDecision{
		StepID:   in.StepID,
		Operator: op,
		Status:   chain.StepStatus(strings.ToLower(strings.TrimSpace(in.Status))),
		Note:     in.Note,
	}, nil
}

// ChainInput selects a chain projection.
type ChainInput struct {
	ApprovalID string `json:"approval_id" jsonschema:"approval id"`
	Steps      bool   `json:"steps,omitempty" jsonschema:"include every step, not only the active group"`
}

// DecideApprovalInput decides a whole approval.
type DecideApprovalInput struct {
	ApprovalID string        `json:"approval_id" jsonschema:"approval id"`
	Operator   OperatorInput `json:"operator" jsonschema:"deciding operator"`
	Status     string        `json:"status" jsonschema:"approved or rejected"`
	Note       string        `json:"note,omitempty" jsonschema:"decision note"`
}

func (in DecideApprovalInput) decision() (engine.ApprovalDecision, error) {
	op, err := in.Operator.operator()
	if err != nil {
		return engine.ApprovalDecision{}, err
	}
	return engine.ApprovalDecision{
		ApprovalID: in.ApprovalID,
		Operator:   op,
		Status:     approval.Status(strings.ToLower(strings.TrimSpace(in.Status))),
		Note:       in.Note,
	}, nil
}

// DispatchInput releases an approved plan.
type DispatchInput struct {
	ApprovalID string        `json:"approval_id" jsonschema:"approved approval id"`
	Operator   OperatorInput `json:"operator" jsonschema:"releasing operator"`
}

// ApprovalInput selects one approval.
type ApprovalInput struct {
	ApprovalID string `json:"approval_id" jsonschema:"approval id"`
}

// ListApprovalsInput filters and pages approvals.
type ListApprovalsInput struct {
	Status      string `json:"status,omitempty" jsonschema:"approval status filter"`
	OperatorID  string `json:"operator_id,omitempty" jsonschema:"requesting operator filter"`
	WorkspaceID string `json:"workspace_id,omitempty" jsonschema:"workspace filter"`
	Limit       int    `json:"limit,omitempty" jsonschema:"page size, default 50"`
	Offset      int    `json:"offset,omitempty" jsonschema:"page offset"`
}

func (in ListApprovalsInput) filter() approval.Filter {
	return approval.Filter{
		Status:      approval.Status(strings.ToLower(strings.TrimSpace(in.Status))),
		OperatorID:  in.OperatorID,
		WorkspaceID: in.WorkspaceID,
		Limit:       in.Limit,
		Offset:      in.Offset,
	}
}

// ListIntentsInput takes no arguments.
type ListIntentsInput struct{}

// IntentView describes one intent for clients.
type IntentView struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Governed    bool     `json:"governed"`
	Connectors  []string `json:"connectors"`
	Steps       []string `json:"steps"`
}
