package authz

import "time"

// Reason codes reported by the evaluator.
const (
	ReasonRole                    = "role"
	ReasonDelegation              = "delegation"
	ReasonInsufficientPermissions = "insufficient_permissions"
	ReasonDelegationAmbiguity     = "delegation_ambiguity"
	ReasonAuthorityUnavailable    = "authority_unavailable"
)

// Via values describe how an allowed request was authorized.
const (
	ViaRole       = "role"
	ViaDelegation = "delegation"
)

// Scope describes what a delegation covers.
type Scope struct {
	// Wildcard covers every intent, permission and connector.
	Wildcard bool `json:"wildcard,omitempty"`
	// Intents lists covered intent names.
	Intents []string `json:"intents,omitempty"`
	// Permissions lists covered permissions.
	Permissions []string `json:"permissions,omitempty"`
	// Connectors lists covered connector names.
	Connectors []string `json:"connectors,omitempty"`
}

// Delegation is a scoped grant of authority from one operator to another.
type Delegation struct {
	// ID is a stable identifier used for deterministic ordering.
	ID string `json:"id"`
	// FromOperatorID is the delegating operator.
	FromOperatorID string `json:"from_operator_id,omitempty"`
	// ToOperatorID is the receiving operator; empty means the evaluated operator.
	ToOperatorID string `json:"to_operator_id,omitempty"`
	// Scope defines what the delegation covers.
	Scope Scope `json:"scope"`
	// Precedence orders overlapping delegations, higher wins.
	Precedence int `json:"precedence"`
	// StartsAt is the optional inclusive start bound.
	StartsAt *time.Time `json:"starts_at,omitempty"`
	// EndsAt is the optional exclusive end bound.
	EndsAt *time.Time `json:"ends_at,omitempty"`
	// RevokedAt ends the delegation early when set.
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Request is the evaluator input.
type Request struct {
	// OperatorID identifies the acting operator.
	OperatorID string `json:"operator_id"`
	// Role is the operator role label.
	Role string `json:"role,omitempty"`
	// Permissions is the operator's own permission set.
	Permissions []string `json:"permissions,omitempty"`
	// Delegations are grants held by the operator.
	Delegations []Delegation `json:"delegations,omitempty"`
	// Intent is the action being performed.
	Intent string `json:"intent"`
	// Connectors lists connectors touched by the action.
	Connectors []string `json:"connectors,omitempty"`
	// ApprovalRole requests the permissions of a chain step role instead of the intent table.
	ApprovalRole string `json:"approval_role,omitempty"`
	// At is the evaluation timestamp.
	At time.Time `json:"at"`
}

// Result is the evaluator output.
type Result struct {
	// Allowed reports the decision.
	Allowed bool `json:"allowed"`
	// Reason is the reason code.
	Reason string `json:"reason"`
	// Required is the computed permission set.
	Required []string `json:"required"`
	// Via is "role" or "delegation" for allowed results.
	Via string `json:"via,omitempty"`
	// Delegation is the delegation used, if any.
	Delegation *Delegation `json:"delegation,omitempty"`
	// Candidates lists tied delegations on ambiguity.
	Candidates []Delegation `json:"candidates,omitempty"`
	// Trace records the evaluation steps for audit.
	Trace Trace `json:"trace"`
}

// Trace is the structured evaluation record.
type Trace struct {
	// Intent is the evaluated intent.
	Intent string `json:"intent"`
	// ApprovalRole is set for chain step checks.
	ApprovalRole string `json:"approval_role,omitempty"`
	// Required is the permission set the operator needed.
	Required []string `json:"required"`
	// Missing lists required permissions absent from the operator's own set.
	Missing []string `json:"missing,omitempty"`
	// RoleSatisfied reports whether the own permission set was sufficient.
	RoleSatisfied bool `json:"role_satisfied"`
	// Delegations records the verdict for each delegation considered.
	Delegations []DelegationCheck `json:"delegations,omitempty"`
	// Ordered lists matching delegation ids after sorting.
	Ordered []string `json:"ordered,omitempty"`
	// Outcome is the final reason code.
	Outcome string `json:"outcome"`
	// Note carries extra context, e.g. remote authority failures.
	Note string `json:"note,omitempty"`
	// EvaluatedAt is the evaluation timestamp.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// DelegationCheck is the per-delegation trace entry.
type DelegationCheck struct {
	// ID is the delegation identifier.
	ID string `json:"id"`
	// Recipient reports whether the delegation is addressed to the operator.
	Recipient bool `json:"recipient"`
	// Active reports whether the delegation was in its validity window.
	Active bool `json:"active"`
	// ScopeMatch reports whether the scope covered the request.
	ScopeMatch bool `json:"scope_match"`
	// Precedence orders matching delegations; higher wins.
	Precedence int `json:"precedence"`
}
