// Package policy is the seam between the control plane and its authority:
// authorization, chain-template routing, audit persistence and the
// manifest/release/drift hooks.
package policy

import (
	"context"
	"errors"
	"strings"

	"github.com/codex-k8s/governance-plane/internal/audit"
	"github.com/codex-k8s/governance-plane/internal/authz"
	"github.com/codex-k8s/governance-plane/internal/chain"
	"github.com/codex-k8s/governance-plane/internal/dispatch"
	"github.com/codex-k8s/governance-plane/internal/plan"
)

// ErrAuthorityUnavailable is returned when the remote authority cannot be reached.
var ErrAuthorityUnavailable = errors.New("policy authority unavailable")

// Drift classes.
const (
	DriftNone    = "none"
	DriftMinor   = "minor"
	DriftMajor   = "major"
	DriftUnknown = "unknown"
)

// Provider is implemented by Local and Remote.
type Provider interface {
	// CheckAuthorization evaluates a request. It never fails open.
	CheckAuthorization(ctx context.Context, req authz.Request) authz.Result
	// GetChainTemplate returns the chain template for an intent in a municipality.
	GetChainTemplate(ctx context.Context, intent, municipality string) (chain.Template, error)
	// WriteAuditEvent appends an event; duplicate ids are ignored.
	WriteAuditEvent(ctx context.Context, event audit.Event) error
	// RegisterManifest runs before a governed plan is handed off for approval.
	RegisterManifest(ctx context.Context, manifest Manifest) HookDecision
	// AuthorizeRelease runs before an approved plan is dispatched.
	AuthorizeRelease(ctx context.Context, release Release) HookDecision
	// ClassifyDrift runs after dispatch.
	ClassifyDrift(ctx context.Context, report DriftReport) DriftClassification
}

// HookDecision is the answer of a pre-dispatch hook.
type HookDecision struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Manifest describes a plan about to be submitted for approval.
type Manifest struct {
	RequestID      string      `json:"request_id"`
	Intent         string      `json:"intent"`
	OperatorID     string      `json:"operator_id"`
	WorkspaceID    string      `json:"workspace_id"`
	MunicipalityID string      `json:"municipality_id,omitempty"`
	PlanDigest     string      `json:"plan_digest"`
	Connectors     []string    `json:"connectors,omitempty"`
	Steps          []plan.Step `json:"steps"`
}

// Release describes an approved plan about to be dispatched.
type Release struct {
	ApprovalID     string `json:"approval_id"`
	RequestID      string `json:"request_id"`
	Intent         string `json:"intent"`
	OperatorID     string `json:"operator_id"`
	WorkspaceID    string `json:"workspace_id"`
	MunicipalityID string `json:"municipality_id,omitempty"`
	PlanDigest     string `json:"plan_digest"`
	// ReleasedBy is the operator triggering dispatch.
	ReleasedBy string `json:"released_by"`
}

// DriftReport carries the dispatch outcome of a released plan.
type DriftReport struct {
	ApprovalID string          `json:"approval_id"`
	RequestID  string          `json:"request_id"`
	Intent     string          `json:"intent"`
	PlanDigest string          `json:"plan_digest"`
	Result     dispatch.Result `json:"result"`
}

// DriftClassification is the authority's view of how far reality diverged from the plan.
type DriftClassification struct {
	Class  string `json:"class"`
	Reason string `json:"reason,omitempty"`
}

// Routes maps "intent@municipality", "intent" or "*@municipality" to chain templates.
type Routes map[string]chain.Template

// RouteKey builds the routing key for an intent and municipality.
func RouteKey(intent, municipality string) string {
	intent = strings.ToLower(strings.TrimSpace(intent))
	municipality = strings.ToLower(strings.TrimSpace(municipality))
	if municipality == "" {
		return intent
	}
	return intent + "@" + municipality
}

// Resolve returns the most specific template; the default single-step template otherwise.
func (r Routes) Resolve(intent, municipality string) chain.Template {
	keys := []string{RouteKey(intent, municipality), RouteKey(intent, ""), RouteKey("*", municipality)}
	if strings.TrimSpace(municipality) == "" {
		keys = keys[1:2]
	}
	for _, key := range keys {
		if tpl, ok := r[key]; ok {
			return tpl
		}
	}
	return chain.DefaultTemplate()
}

// Normalize lower-cases route keys.
func (r Routes) Normalize() Routes {
	out := make(Routes, len(r))
	for key, tpl := range r {
		intent, municipality, _ := strings.Cut(key, "@")
		out[RouteKey(intent, municipality)] = tpl
	}
	return out
}
