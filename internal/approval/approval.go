package approval

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the human approval lifecycle state.
type Status string

// Approval states.
const (
	StatusPending        Status = "pending"
	StatusApproved       Status = "approved"
	StatusRejected       Status = "rejected"
	StatusExpired        Status = "expired"
	StatusDispatching    Status = "dispatching"
	StatusDispatched     Status = "dispatched"
	StatusDispatchFailed Status = "dispatch_failed"
)

// Engine decision outcomes stored on the record.
const (
	DecisionApproved = "approved"
	DecisionDenied   = "denied"
)

// DefaultTTL is the approval lifetime when none is configured.
const DefaultTTL = 48 * time.Hour

var (
	// ErrNotFound is returned when no approval matches.
	ErrNotFound = errors.New("approval not found")
	// ErrInvalidStatus is returned for decisions other than approved/rejected.
	ErrInvalidStatus = errors.New("invalid decision status")
	// ErrNotApplicable marks a transition attempted from the wrong state.
	ErrNotApplicable = errors.New("approval transition not applicable")
)

var transitions = map[Status][]Status{
	StatusPending:     {StatusApproved, StatusRejected, StatusExpired},
	StatusApproved:    {StatusDispatching},
	StatusDispatching: {StatusDispatched, StatusDispatchFailed},
}

// CanTransition reports whether from → to is a valid lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Approval is one governed action request and its lifecycle.
type Approval struct {
	// ID is the approval identifier.
	ID string `json:"id"`
	// RequestID is the originating request id, unique per approval.
	RequestID string `json:"request_id"`
	// Intent is the governed action.
	Intent string `json:"intent"`
	// Decision is the engine outcome, distinct from Status.
	Decision string `json:"decision"`
	// Status is the human approval state.
	Status Status `json:"status"`
	// OperatorID is the requesting operator.
	OperatorID string `json:"operator_id"`
	// WorkspaceID scopes the request.
	WorkspaceID string `json:"workspace_id"`
	// MunicipalityID scopes the request.
	MunicipalityID string `json:"municipality_id,omitempty"`
	// Plan is the serialized execution plan.
	Plan json.RawMessage `json:"plan"`
	// PlanDigest is the sha256 of the canonical plan.
	PlanDigest string `json:"plan_digest"`
	// AuditSnapshot is the serialized evaluation context.
	AuditSnapshot json.RawMessage `json:"audit_snapshot"`
	// DecidedBy is set once a human decision lands.
	DecidedBy *string `json:"decided_by,omitempty"`
	// DecisionNote is the decider's note.
	DecisionNote *string `json:"decision_note,omitempty"`
	// DecidedAt is the decision time.
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	// DispatchResult is the serialized dispatch outcome.
	DispatchResult json.RawMessage `json:"dispatch_result,omitempty"`
	// DispatchedAt is when dispatch finished.
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
}

// Expired reports whether the approval has passed its expiry at now.
func (a Approval) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// CreateInput holds the fields for a new approval.
type CreateInput struct {
	RequestID      string
	Intent         string
	Decision       string
	OperatorID     string
	WorkspaceID    string
	MunicipalityID string
	Plan           json.RawMessage
	PlanDigest     string
	AuditSnapshot  json.RawMessage
	// TTL overrides the store default when positive.
	TTL time.Duration
}

// DecideResult reports the outcome of Decide.
type DecideResult struct {
	// Approval is the row after the call when it exists.
	Approval Approval
	// Decided is true when the status changed to approved/rejected.
	Decided bool
	// Expired is true when the call flipped the row to expired instead.
	Expired bool
}

// Filter selects approvals for List.
type Filter struct {
	Status      Status
	OperatorID  string
	WorkspaceID string
	Limit       int
	Offset      int
}

// Page is a slice of approvals plus the total match count.
type Page struct {
	Items  []Approval `json:"items"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}
