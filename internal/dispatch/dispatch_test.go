package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/governance-plane/internal/dispatch"
	"github.com/codex-k8s/governance-plane/internal/plan"
)

// flaky fails with the given status until calls exceeds failures.
type flaky struct {
	failures int32
	status   int
	calls    atomic.Int32
}

func (f *flaky) Dispatch(_ context.Context, _ dispatch.Request) (string, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return "", &dispatch.StatusError{StatusCode: f.status, Body: "unavailable"}
	}
	return "ok", nil
}

func readyStep(id, connector string) plan.Step {
	return plan.Step{ID: id, Connector: connector, Status: plan.StatusReady}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"503", &dispatch.StatusError{StatusCode: http.StatusServiceUnavailable}, true},
		{"wrapped 500", fmt.Errorf("call: %w", &dispatch.StatusError{StatusCode: 500}), true},
		{"404", &dispatch.StatusError{StatusCode: http.StatusNotFound}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"refused", errors.New("dial tcp: connection refused"), true},
		{"timeout text", errors.New("request Timeout while reading"), true},
		{"validation", errors.New("payload.ref is required"), false},
		{"network field", errors.New("invalid network_id"), false},
		{"unreachable", errors.New("dial tcp 10.0.0.1:443: connect: network is unreachable"), true},
		{"panic", &dispatch.PanicError{Value: "network boom"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, dispatch.IsTransient(tt.err))
		})
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := dispatch.RetryPolicy{BaseDelay: 100 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
}

func TestDispatchWithRetryRecoversFromTransientFailures(t *testing.T) {
	d := &flaky{failures: 2, status: http.StatusServiceUnavailable}
	var events []dispatch.RetryEvent
	policy := dispatch.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, OnRetry: func(e dispatch.RetryEvent) {
		events = append(events, e)
	}}

	output, attempts, err := dispatch.DispatchWithRetry(context.Background(), d, dispatch.Request{Step: readyStep("s1", "deploy")}, policy)
	require.NoError(t, err)
	assert.Equal(t, "ok", output)
	assert.Equal(t, 3, attempts)
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Attempt)
	assert.Equal(t, time.Millisecond, events[0].Delay)
	assert.Equal(t, 2*time.Millisecond, events[1].Delay)
}

func TestDispatchPlanRetryScenarios(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
		outcome     string
		retries     int
	}{
		{"third attempt succeeds", 3, dispatch.OutcomeDispatched, 2},
		{"budget exhausted", 2, dispatch.OutcomeFailed, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := dispatch.NewRegistry()
			require.NoError(t, registry.Register("deploy", &flaky{failures: 2, status: http.StatusServiceUnavailable}))
			retries := 0
			p := dispatch.Plan{Resolver: registry, Policy: dispatch.RetryPolicy{
				MaxAttempts: tt.maxAttempts,
				BaseDelay:   time.Millisecond,
				OnRetry:     func(dispatch.RetryEvent) { retries++ },
			}}

			res := p.Dispatch(context.Background(), dispatch.Context{ApprovalID: "a1"}, []plan.Step{readyStep("s1", "deploy")})
			require.Len(t, res.Steps, 1)
			assert.Equal(t, tt.outcome, res.Steps[0].Outcome)
			assert.Equal(t, tt.retries, retries)
			assert.Equal(t, tt.outcome == dispatch.OutcomeDispatched, res.Success())
		})
	}
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	d := &flaky{failures: 5, status: http.StatusBadRequest}
	_, attempts, err := dispatch.DispatchWithRetry(context.Background(), d, dispatch.Request{}, dispatch.RetryPolicy{MaxAttempts: 5})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, int32(1), d.calls.Load())
}

func TestDispatchPlanSkipsAndIsolatesPanics(t *testing.T) {
	registry := dispatch.NewRegistry()
	require.NoError(t, registry.Register("crash", dispatch.DispatcherFunc(func(context.Context, dispatch.Request) (string, error) {
		panic("boom")
	})))
	var seen []string
	require.NoError(t, registry.Register("ok", dispatch.DispatcherFunc(func(_ context.Context, req dispatch.Request) (string, error) {
		seen = append(seen, req.CorrelationID)
		return "done", nil
	})))

	steps := []plan.Step{
		{ID: "blocked", Connector: "ok", Status: plan.StatusBlocked},
		{ID: "orphan", Status: plan.StatusReady},
		readyStep("unknown", "nowhere"),
		readyStep("crash", "crash"),
		readyStep("fine", "OK"),
	}
	res := dispatch.Plan{Resolver: registry}.Dispatch(context.Background(), dispatch.Context{ApprovalID: "a1"}, steps)

	assert.Equal(t, 1, res.Dispatched)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 3, res.Skipped)
	assert.False(t, res.Success())
	assert.Equal(t, dispatch.ReasonNotReady, res.Steps[0].Reason)
	assert.Equal(t, dispatch.ReasonNoConnector, res.Steps[1].Reason)
	assert.Equal(t, dispatch.ReasonNoDispatcher, res.Steps[2].Reason)
	assert.Contains(t, res.Steps[3].Error, "boom")
	assert.Equal(t, 1, res.Steps[3].Attempts)
	assert.Equal(t, "done", res.Steps[4].Output)
	assert.Equal(t, []string{"a1:fine"}, seen)
}

func TestRegistry(t *testing.T) {
	registry := dispatch.NewRegistry()
	noop := dispatch.DispatcherFunc(func(context.Context, dispatch.Request) (string, error) { return "", nil })
	require.NoError(t, registry.Register("Deploy", noop))
	assert.ErrorIs(t, registry.Register("deploy", noop), dispatch.ErrDuplicateDispatcher)
	assert.Error(t, registry.Register(" ", noop))

	_, ok := registry.Lookup("DEPLOY")
	assert.True(t, ok)
	assert.Equal(t, []string{"deploy"}, registry.Names())
	assert.Equal(t, []string{"crm"}, registry.Missing([]string{"deploy", "crm"}))
}

func TestTimeoutWrapper(t *testing.T) {
	slow := dispatch.DispatcherFunc(func(ctx context.Context, _ dispatch.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	_, err := dispatch.Timeout{Inner: slow, Timeout: 5 * time.Millisecond}.Dispatch(context.Background(), dispatch.Request{})
	require.Error(t, err)
	assert.True(t, dispatch.IsTransient(err))
}

func TestRetrySleepHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := dispatch.DispatcherFunc(func(context.Context, dispatch.Request) (string, error) {
		cancel()
		return "", &dispatch.StatusError{StatusCode: 502}
	})
	_, attempts, err := dispatch.DispatchWithRetry(ctx, d, dispatch.Request{}, dispatch.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPerConnectorRetryPolicyOverridesDefault(t *testing.T) {
	registry := dispatch.NewRegistry()
	d := &flaky{failures: 3, status: http.StatusBadGateway}
	require.NoError(t, registry.Register("deploy", d, dispatch.WithRetry(dispatch.RetryPolicy{MaxAttempts: 4})))
	retries := 0
	p := dispatch.Plan{Resolver: registry, Policy: dispatch.RetryPolicy{MaxAttempts: 1, OnRetry: func(dispatch.RetryEvent) { retries++ }}}

	res := p.Dispatch(context.Background(), dispatch.Context{RequestID: "r1"}, []plan.Step{readyStep("s1", "deploy")})
	require.True(t, res.Success())
	assert.Equal(t, 4, res.Steps[0].Attempts)
	assert.Equal(t, 3, retries)
}
