package dispatch

import (
	"context"
	"time"

	"github.com/codex-k8s/governance-plane/internal/plan"
)

// Step outcomes.
const (
	OutcomeDispatched = "dispatched"
	OutcomeFailed     = "failed"
	OutcomeSkipped    = "skipped"
)

// Skip reasons.
const (
	ReasonNotReady      = "step_not_ready"
	ReasonNoConnector   = "no_connector"
	ReasonNoDispatcher  = "dispatcher_unavailable"
	ReasonDispatchError = "dispatch_error"
)

// StepResult is the outcome of dispatching one plan step.
type StepResult struct {
	StepID    string `json:"step_id"`
	Connector string `json:"connector,omitempty"`
	Outcome   string `json:"outcome"`
	Attempts  int    `json:"attempts"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	Reason    string `json:"reason,omitempty"`
	// DurationMS is the wall time spent on the step including retries.
	DurationMS int64 `json:"duration_ms"`
}

// Result aggregates a plan dispatch.
type Result struct {
	Steps      []StepResult `json:"steps"`
	Dispatched int          `json:"dispatched"`
	Failed     int          `json:"failed"`
	Skipped    int          `json:"skipped"`
}

// Success reports whether no step failed.
func (r Result) Success() bool {
	return r.Failed == 0
}

// Plan dispatches execution plans step by step.
type Plan struct {
	Resolver Resolver
	// Policy is the default retry policy; connectors registered WithRetry override it.
	Policy RetryPolicy
	// CorrelationID builds a per-step correlation id. Defaults to approval:step.
	CorrelationID func(dc Context, step plan.Step) string
}

// Dispatch runs steps sequentially in plan order. A failed step does not stop
// later steps.
func (p Plan) Dispatch(ctx context.Context, dc Context, steps []plan.Step) Result {
	result := Result{Steps: make([]StepResult, 0, len(steps))}
	for _, step := range steps {
		sr := p.dispatchStep(ctx, dc, step)
		switch sr.Outcome {
		case OutcomeDispatched:
			result.Dispatched++
		case OutcomeFailed:
			result.Failed++
		default:
			result.Skipped++
		}
		result.Steps = append(result.Steps, sr)
	}
	return result
}

func (p Plan) dispatchStep(ctx context.Context, dc Context, step plan.Step) StepResult {
	sr := StepResult{StepID: step.ID, Connector: step.Connector}
	if step.Status != plan.StatusReady {
		sr.Outcome, sr.Reason = OutcomeSkipped, ReasonNotReady
		return sr
	}
	if step.Connector == "" {
		sr.Outcome, sr.Reason = OutcomeSkipped, ReasonNoConnector
		return sr
	}
	var d Dispatcher
	if p.Resolver != nil {
		d, _ = p.Resolver.Lookup(step.Connector)
	}
	if d == nil {
		sr.Outcome, sr.Reason = OutcomeSkipped, ReasonNoDispatcher
		return sr
	}

	req := Request{Step: step, Context: dc, CorrelationID: p.correlationID(dc, step)}
	started := time.Now()
	output, attempts, err := DispatchWithRetry(ctx, d, req, p.policyFor(step.Connector))
	sr.DurationMS = time.Since(started).Milliseconds()
	sr.Attempts = attempts
	sr.Output = output
	if err != nil {
		sr.Outcome, sr.Reason, sr.Error = OutcomeFailed, ReasonDispatchError, err.Error()
		return sr
	}
	sr.Outcome = OutcomeDispatched
	return sr
}

func (p Plan) policyFor(connector string) RetryPolicy {
	policy := p.Policy
	if pr, ok := p.Resolver.(PolicyResolver); ok {
		if own, found := pr.RetryPolicy(connector); found {
			policy = own
			if policy.OnRetry == nil {
				policy.OnRetry = p.Policy.OnRetry
			}
		}
	}
	return policy
}

func (p Plan) correlationID(dc Context, step plan.Step) string {
	if p.CorrelationID != nil {
		return p.CorrelationID(dc, step)
	}
	base := dc.ApprovalID
	if base == "" {
		base = dc.RequestID
	}
	return base + ":" + step.ID
}
