package chain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// StepStatus is the state of one chain step.
type StepStatus string

// Chain step states.
const (
	StepPending  StepStatus = "pending"
	StepActive   StepStatus = "active"
	StepApproved StepStatus = "approved"
	StepRejected StepStatus = "rejected"
	StepSkipped  StepStatus = "skipped"
)

// Terminal reports whether the step can no longer change.
func (s StepStatus) Terminal() bool {
	return s == StepApproved || s == StepRejected || s == StepSkipped
}

var (
	// ErrInvalidTemplate wraps template validation failures.
	ErrInvalidTemplate = errors.New("invalid chain template")
	// ErrChainExists is returned when an approval already has a chain.
	ErrChainExists = errors.New("chain already exists for approval")
	// ErrNotFound is returned when no template, step or chain matches.
	ErrNotFound = errors.New("chain not found")
	// ErrInvalidStatus is returned for step decisions other than approved/rejected.
	ErrInvalidStatus = errors.New("invalid step decision status")
	// ErrNotApplicable marks a decision on a step that is not active.
	ErrNotApplicable = errors.New("chain step not awaiting a decision")
)

// TemplateStep is one role requirement at an order index.
type TemplateStep struct {
	// Order is the 0-based group index; equal orders form a parallel group.
	Order int `json:"order" yaml:"order"`
	// Role is the required role label.
	Role string `json:"role" yaml:"role"`
}

// Template is a named, versioned set of ordered steps.
type Template struct {
	// ID is assigned when the template is stored.
	ID string `json:"id,omitempty"`
	// Name identifies the template across versions.
	Name string `json:"name"`
	// Version starts at 1; name and version are unique together.
	Version int `json:"version"`
	// Steps are the role requirements, grouped by order.
	Steps []TemplateStep `json:"steps"`
	// CreatedAt is set by the store.
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ValidateSteps checks that roles are present and the distinct orders are exactly 0..k-1.
func ValidateSteps(steps []TemplateStep) error {
	if len(steps) == 0 {
		return fmt.Errorf("%w: at least one step is required", ErrInvalidTemplate)
	}
	orders := map[int]struct{}{}
	for i, step := range steps {
		if strings.TrimSpace(step.Role) == "" {
			return fmt.Errorf("%w: steps[%d].role is required", ErrInvalidTemplate, i)
		}
		if step.Order < 0 {
			return fmt.Errorf("%w: steps[%d].order must be >= 0", ErrInvalidTemplate, i)
		}
		orders[step.Order] = struct{}{}
	}
	for order := 0; order < len(orders); order++ {
		if _, ok := orders[order]; !ok {
			return fmt.Errorf("%w: step orders must be dense from 0, missing %d", ErrInvalidTemplate, order)
		}
	}
	return nil
}

// Validate checks the template name, version and steps.
func (t Template) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTemplate)
	}
	if t.Version < 1 {
		return fmt.Errorf("%w: version must be >= 1", ErrInvalidTemplate)
	}
	return ValidateSteps(t.Steps)
}

// Groups returns the number of distinct orders.
func (t Template) Groups() int {
	orders := map[int]struct{}{}
	for _, step := range t.Steps {
		orders[step.Order] = struct{}{}
	}
	return len(orders)
}

// DefaultTemplate is the single-step template used when no route matches.
func DefaultTemplate() Template {
	return Template{Name: "default", Version: 1, Steps: []TemplateStep{{Order: 0, Role: "approver"}}}
}

// Step is one chain step instance attached to an approval.
type Step struct {
	// ID is the step identifier.
	ID string `json:"id"`
	// ApprovalID is the owning approval.
	ApprovalID string `json:"approval_id"`
	// TemplateID is the stored template the chain was built from.
	TemplateID string `json:"template_id"`
	// Position is the index of the step in the template step list.
	Position int `json:"position"`
	// Order is the parallel group index copied from the template.
	Order int `json:"order"`
	// Role is the role whose holder may decide the step.
	Role string `json:"role"`
	// Status is pending, active, approved, rejected or skipped.
	Status StepStatus `json:"status"`
	// DecidedBy is the operator who decided the step.
	DecidedBy *string `json:"decided_by,omitempty"`
	// DecisionNote is the optional operator note.
	DecisionNote *string `json:"decision_note,omitempty"`
	// DecidedAt is set with DecidedBy.
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	// ActivatedAt is when the step's group became active.
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// DecideResult reports what a step decision changed.
type DecideResult struct {
	// Step is the decided step after the update.
	Step Step `json:"step"`
	// Applied is false when the step was not active.
	Applied bool `json:"applied"`
	// Advanced is true when the step's group completed.
	Advanced bool `json:"advanced"`
	// Activated lists steps moved from pending to active.
	Activated []Step `json:"activated,omitempty"`
	// Skipped lists steps moved to skipped by a rejection.
	Skipped []Step `json:"skipped,omitempty"`
	// AllApproved is true when the chain completed.
	AllApproved bool `json:"all_approved"`
	// Rejected is true when the chain is terminally rejected.
	Rejected bool `json:"rejected"`
}

// Progress is the read-only chain projection.
type Progress struct {
	ApprovalID   string `json:"approval_id"`
	Total        int    `json:"total"`
	Completed    int    `json:"completed"`
	Active       []Step `json:"active"`
	CurrentOrder int    `json:"current_order"`
	AllApproved  bool   `json:"all_approved"`
	Rejected     bool   `json:"rejected"`
	Terminal     bool   `json:"terminal"`
}

// Summary is Progress plus every step and its template.
type Summary struct {
	Progress
	TemplateID string `json:"template_id"`
	Steps      []Step `json:"steps"`
}

// Summarize builds the projections from a chain's steps.
func Summarize(approvalID string, steps []Step) Summary {
	sorted := append([]Step(nil), steps...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Order != sorted[j].Order {
			return sorted[i].Order < sorted[j].Order
		}
		return sorted[i].Position < sorted[j].Position
	})

	summary := Summary{Progress: Progress{ApprovalID: approvalID, Total: len(sorted), CurrentOrder: -1}, Steps: sorted}
	approved := 0
	for _, step := range sorted {
		if summary.TemplateID == "" {
			summary.TemplateID = step.TemplateID
		}
		switch step.Status {
		case StepApproved:
			approved++
			summary.Completed++
		case StepRejected:
			summary.Rejected = true
			summary.Completed++
		case StepSkipped:
			summary.Completed++
		case StepActive:
			summary.Active = append(summary.Active, step)
			if summary.CurrentOrder < 0 {
				summary.CurrentOrder = step.Order
			}
		}
	}
	summary.AllApproved = len(sorted) > 0 && approved == len(sorted)
	summary.Terminal = summary.AllApproved || summary.Rejected
	return summary
}
