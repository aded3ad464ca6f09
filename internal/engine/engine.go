// Package engine is the governance engine: it evaluates operator actions,
// hands governed plans off for approval, applies human decisions and
// dispatches approved plans.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/codex-k8s/governance-plane/internal/approval"
	"github.com/codex-k8s/governance-plane/internal/authz"
	"github.com/codex-k8s/governance-plane/internal/cache"
	"github.com/codex-k8s/governance-plane/internal/chain"
	"github.com/codex-k8s/governance-plane/internal/dispatch"
	"github.com/codex-k8s/governance-plane/internal/limits"
	"github.com/codex-k8s/governance-plane/internal/metrics"
	"github.com/codex-k8s/governance-plane/internal/plan"
	"github.com/codex-k8s/governance-plane/internal/policy"
	"github.com/codex-k8s/governance-plane/internal/store"
	"github.com/codex-k8s/governance-plane/internal/templates"
)

// ErrUnknownIntent is returned when no intent spec matches.
var ErrUnknownIntent = plan.ErrUnknownIntent

// ErrInvalidRequest wraps malformed operation inputs.
var ErrInvalidRequest = errors.New("invalid request")

// Denial reasons produced by the engine itself.
const (
	ReasonUnknownIntent         = "unknown_intent"
	ReasonDispatcherUnavailable = "dispatcher_unavailable"
	ReasonTemplateUnavailable   = "chain_template_unavailable"
	ReasonManifestRejected      = "manifest_rejected"
	ReasonReleaseRejected       = "release_rejected"
	ReasonPlanDigestMismatch    = "plan_digest_mismatch"
)

// Evaluation outcomes.
const (
	OutcomeDenied          = "denied"
	OutcomePendingApproval = "pending_approval"
	OutcomeDispatched      = "dispatched"
	OutcomeDispatchFailed  = "dispatch_failed"
)

// Operator is the authenticated caller as supplied by the transport.
type Operator struct {
	ID          string             `json:"id"`
	Role        string             `json:"role,omitempty"`
	Permissions []string           `json:"permissions,omitempty"`
	Delegations []authz.Delegation `json:"delegations,omitempty"`
}

func (o Operator) validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return fmt.Errorf("%w: operator id is required", ErrInvalidRequest)
	}
	return nil
}

func (o Operator) authzRequest(intent string, connectors []string, role string, at time.Time) authz.Request {
	return authz.Request{
		OperatorID:   o.ID,
		Role:         o.Role,
		Permissions:  o.Permissions,
		Delegations:  o.Delegations,
		Intent:       intent,
		Connectors:   connectors,
		ApprovalRole: role,
		At:           at,
	}
}

// Options wires the engine's collaborators.
type Options struct {
	DB          *store.DB
	Approvals   *approval.Store
	Chains      *chain.Store
	Policy      policy.Provider
	Plans       *plan.Builder
	Dispatchers *dispatch.Registry
	// Retry is the default dispatch retry policy.
	Retry dispatch.RetryPolicy
	// Guard validates parameters and rates before authorization.
	Guard    *limits.Guard
	Metrics  metrics.Recorder
	Messages templates.Renderer
	Logger   *slog.Logger
	// AutoDispatch dispatches an approval as soon as its chain completes.
	AutoDispatch bool
	// ResultTTL is how long ungoverned results are remembered per request id.
	ResultTTL time.Duration
	Now       func() time.Time
}

// Engine orchestrates evaluation, approval and dispatch.
type Engine struct {
	db           *store.DB
	approvals    *approval.Store
	chains       *chain.Store
	policy       policy.Provider
	plans        *plan.Builder
	dispatchers  *dispatch.Registry
	retry        dispatch.RetryPolicy
	guard        *limits.Guard
	metrics      metrics.Recorder
	messages     templates.Renderer
	logger       *slog.Logger
	autoDispatch bool
	now          func() time.Time

	inflight singleflight.Group
	results  *cache.Cache[Evaluation]
}

// New validates opts and returns an engine.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.DB == nil:
		return nil, errors.New("engine: store is required")
	case opts.Approvals == nil || opts.Chains == nil:
		return nil, errors.New("engine: approval and chain stores are required")
	case opts.Policy == nil:
		return nil, errors.New("engine: policy provider is required")
	case opts.Plans == nil:
		return nil, errors.New("engine: plan builder is required")
	}
	e := &Engine{
		db:           opts.DB,
		approvals:    opts.Approvals,
		chains:       opts.Chains,
		policy:       opts.Policy,
		plans:        opts.Plans,
		dispatchers:  opts.Dispatchers,
		retry:        opts.Retry,
		guard:        opts.Guard,
		metrics:      opts.Metrics,
		messages:     opts.Messages,
		logger:       opts.Logger,
		autoDispatch: opts.AutoDispatch,
		now:          opts.Now,
		results:      cache.New[Evaluation](opts.ResultTTL, 10000),
	}
	if e.dispatchers == nil {
		e.dispatchers = dispatch.NewRegistry()
	}
	if e.metrics == nil {
		e.metrics = metrics.Nop{}
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	if e.now == nil {
		e.now = store.Now
	}
	return e, nil
}

func (e *Engine) clock() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}

// Intents lists the configured intents.
func (e *Engine) Intents() []plan.IntentSpec {
	return e.plans.Intents()
}

// Intent returns one intent spec.
func (e *Engine) Intent(name string) (plan.IntentSpec, error) {
	spec, ok := e.plans.Intent(name)
	if !ok {
		return plan.IntentSpec{}, fmt.Errorf("%w: %s", ErrUnknownIntent, name)
	}
	return spec, nil
}

func (e *Engine) text(key string, data map[string]any, fallback string) string {
	return templates.Text(e.messages, key, data, fallback)
}

// eventID derives a stable audit id for facts that must be recorded once.
func eventID(parts ...string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(parts, "/"))).String()
}
