package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/codex-k8s/governance-plane/internal/audit"
	"github.com/codex-k8s/governance-plane/internal/authz"
	"github.com/codex-k8s/governance-plane/internal/chain"
)

// Local evaluates authorization in-process and accepts every hook.
type Local struct {
	evaluator authz.Evaluator
	routes    Routes
	sink      audit.Sink
	now       func() time.Time
}

// NewLocal builds a local provider.
func NewLocal(evaluator authz.Evaluator, routes Routes, sink audit.Sink) *Local {
	return &Local{evaluator: evaluator, routes: routes.Normalize(), sink: sink, now: time.Now}
}

// CheckAuthorization runs the evaluator.
func (l *Local) CheckAuthorization(_ context.Context, req authz.Request) authz.Result {
	if req.At.IsZero() {
		req.At = l.now().UTC()
	}
	return l.evaluator.Evaluate(req)
}

// GetChainTemplate resolves the template from the routing table.
func (l *Local) GetChainTemplate(_ context.Context, intent, municipality string) (chain.Template, error) {
	tpl := l.routes.Resolve(intent, municipality)
	if err := tpl.Validate(); err != nil {
		return chain.Template{}, fmt.Errorf("route %s: %w", RouteKey(intent, municipality), err)
	}
	return tpl, nil
}

// WriteAuditEvent writes to the configured sink.
func (l *Local) WriteAuditEvent(ctx context.Context, event audit.Event) error {
	if l.sink == nil {
		return nil
	}
	return l.sink.Write(ctx, event)
}

// RegisterManifest accepts unconditionally.
func (l *Local) RegisterManifest(context.Context, Manifest) HookDecision {
	return HookDecision{Accepted: true}
}

// AuthorizeRelease accepts unconditionally.
func (l *Local) AuthorizeRelease(context.Context, Release) HookDecision {
	return HookDecision{Accepted: true}
}

// ClassifyDrift reports no drift.
func (l *Local) ClassifyDrift(context.Context, DriftReport) DriftClassification {
	return DriftClassification{Class: DriftNone}
}
