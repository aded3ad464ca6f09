package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/governance-plane/internal/approval"
	"github.com/codex-k8s/governance-plane/internal/audit"
	"github.com/codex-k8s/governance-plane/internal/authz"
	"github.com/codex-k8s/governance-plane/internal/chain"
	"github.com/codex-k8s/governance-plane/internal/dispatch"
	"github.com/codex-k8s/governance-plane/internal/engine"
	"github.com/codex-k8s/governance-plane/internal/plan"
	"github.com/codex-k8s/governance-plane/internal/policy"
	"github.com/codex-k8s/governance-plane/internal/store/storetest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu    sync.Mutex
	calls []dispatch.Request
	fail  int
}

func (r *recorder) Dispatch(_ context.Context, req dispatch.Request) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	if r.fail > 0 {
		r.fail--
		return "", &dispatch.StatusError{StatusCode: 503, Body: "busy"}
	}
	return "ok", nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type rejectRelease struct {
	*policy.Local
}

func (rejectRelease) AuthorizeRelease(context.Context, policy.Release) policy.HookDecision {
	return policy.HookDecision{Reason: "change freeze"}
}

type fixture struct {
	engine    *engine.Engine
	clock     *fakeClock
	webhook   *recorder
	audit     *audit.SQLSink
	approvals *approval.Store
}

type option func(*engine.Options)

func intents() []plan.IntentSpec {
	return []plan.IntentSpec{
		{
			Name:     "deployment.release",
			Governed: true,
			Steps: []plan.StepSpec{{
				ID:          "deploy",
				Description: `Deploy {{ arg "service" }}`,
				Connector:   "webhook",
				Requires:    []string{"service"},
				Payload:     map[string]any{"service": `{{ arg "service" }}`},
			}},
		},
		{
			Name:  "cache.flush",
			Steps: []plan.StepSpec{{ID: "flush", Connector: "webhook", Payload: map[string]any{"scope": "all"}}},
		},
		{
			Name:  "records.export",
			Steps: []plan.StepSpec{{ID: "export", Connector: "ghost"}},
		},
	}
}

func newFixture(t *testing.T, opts ...option) fixture {
	t.Helper()
	db := storetest.Open(t)
	clock := &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	sink := audit.NewSQLSink(db)
	routes := policy.Routes{
		"deployment.release": {Name: "release", Version: 1, Steps: []chain.TemplateStep{
			{Order: 0, Role: "legal"},
			{Order: 1, Role: "release"},
		}},
	}
	registry := dispatch.NewRegistry()
	webhook := &recorder{}
	require.NoError(t, registry.Register("webhook", webhook))

	approvals := approval.NewStore(db, approval.WithClock(clock.Now))
	o := engine.Options{
		DB:          db,
		Approvals:   approvals,
		Chains:      chain.NewStore(db).WithClock(clock.Now),
		Policy:      policy.NewLocal(authz.NewEvaluator(authz.Table{}), routes, sink),
		Plans:       plan.NewBuilder(intents()),
		Dispatchers: registry,
		Retry:       dispatch.RetryPolicy{MaxAttempts: 3},
		Now:         clock.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	e, err := engine.New(o)
	require.NoError(t, err)
	return fixture{engine: e, clock: clock, webhook: webhook, audit: sink, approvals: approvals}
}

var (
	requester = engine.Operator{ID: "op-1", Permissions: []string{"deploy:release", "intent:cache.flush", "approval:dispatch"}}
	lawyer    = engine.Operator{ID: "lee", Permissions: []string{"approve:legal"}}
	releaser  = engine.Operator{ID: "rob", Permissions: []string{"approve:release"}}
	manager   = engine.Operator{ID: "max", Permissions: []string{"approval:decide"}}
)

func (f fixture) submit(t *testing.T, requestID string) engine.Evaluation {
	t.Helper()
	ev, err := f.engine.Evaluate(context.Background(), engine.ActionRequest{
		RequestID:   requestID,
		Intent:      "deployment.release",
		Operator:    requester,
		WorkspaceID: "ws-1",
		Params:      map[string]any{"service": "permits", "token": "s3cr3t"},
	})
	require.NoError(t, err)
	require.Equal(t, engine.OutcomePendingApproval, ev.Outcome)
	require.NotNil(t, ev.Approval)
	return ev
}

func stepByRole(steps []chain.Step, role string) chain.Step {
	for _, step := range steps {
		if step.Role == role {
			return step
		}
	}
	return chain.Step{}
}

func (f fixture) events(t *testing.T, eventType audit.EventType) []audit.Event {
	t.Helper()
	events, err := f.audit.List(context.Background(), audit.Filter{EventType: eventType})
	require.NoError(t, err)
	return events
}

func TestGovernedLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := f.submit(t, "req-1")
	assert.Equal(t, approval.StatusPending, ev.Approval.Status)
	assert.NotEmpty(t, ev.PlanDigest)
	require.Len(t, ev.Chain, 2)
	assert.Equal(t, chain.StepActive, stepByRole(ev.Chain, "legal").Status)
	assert.Equal(t, chain.StepPending, stepByRole(ev.Chain, "release").Status)
	assert.Equal(t, 0, f.webhook.count())

	again := f.submit(t, "req-1")
	assert.True(t, again.Existing)
	assert.Equal(t, ev.Approval.ID, again.Approval.ID)

	_, err := f.engine.DecideStep(ctx, engine.StepDecision{StepID: stepByRole(ev.Chain, "release").ID, Operator: releaser, Status: chain.StepApproved})
	assert.ErrorIs(t, err, chain.ErrNotApplicable)

	denied, err := f.engine.DecideStep(ctx, engine.StepDecision{StepID: stepByRole(ev.Chain, "legal").ID, Operator: releaser, Status: chain.StepApproved})
	require.NoError(t, err)
	assert.False(t, denied.Authorization.Allowed)
	assert.Equal(t, authz.ReasonInsufficientPermissions, denied.Authorization.Reason)

	out, err := f.engine.DecideStep(ctx, engine.StepDecision{StepID: stepByRole(ev.Chain, "legal").ID, Operator: lawyer, Status: chain.StepApproved, Note: "fine"})
	require.NoError(t, err)
	assert.False(t, out.ChainApproved)
	require.Len(t, out.Activated, 1)
	assert.Equal(t, "release", out.Activated[0].Role)

	out, err = f.engine.DecideStep(ctx, engine.StepDecision{StepID: stepByRole(ev.Chain, "release").ID, Operator: releaser, Status: chain.StepApproved})
	require.NoError(t, err)
	assert.True(t, out.ChainApproved)
	assert.Equal(t, approval.StatusApproved, out.Approval.Status)
	assert.Nil(t, out.Dispatch)

	dispatched, err := f.engine.Dispatch(ctx, engine.DispatchRequest{ApprovalID: ev.Approval.ID, Operator: requester})
	require.NoError(t, err)
	require.NotNil(t, dispatched.Result)
	assert.True(t, dispatched.Result.Success())
	assert.Equal(t, approval.StatusDispatched, dispatched.Approval.Status)
	assert.Equal(t, policy.DriftNone, dispatched.Drift.Class)
	require.Equal(t, 1, f.webhook.count())
	assert.Equal(t, ev.Approval.ID+":deploy", f.webhook.calls[0].CorrelationID)
	assert.Equal(t, "permits", f.webhook.calls[0].Step.Payload["service"])

	_, err = f.engine.Dispatch(ctx, engine.DispatchRequest{ApprovalID: ev.Approval.ID, Operator: requester})
	assert.ErrorIs(t, err, approval.ErrNotApplicable)
	assert.Equal(t, 1, f.webhook.count())

	assert.Len(t, f.events(t, audit.ApprovalCreated), 1)
	assert.Len(t, f.events(t, audit.ChainStepDecided), 2)
	assert.Len(t, f.events(t, audit.ApprovalDecided), 1)
	assert.Len(t, f.events(t, audit.ApprovalDispatched), 1)

	evaluated := f.events(t, audit.ActionEvaluated)
	require.Len(t, evaluated, 1)
	params, ok := evaluated[0].Details["params"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "***", params["token"])
}

func TestEvaluateDenials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		intent   string
		operator engine.Operator
		reason   string
	}{
		{"unknown intent", "nuke.everything", requester, engine.ReasonUnknownIntent},
		{"missing permission", "deployment.release", lawyer, authz.ReasonInsufficientPermissions},
		{"no dispatcher", "records.export", engine.Operator{ID: "op-2", Permissions: []string{"records:export"}}, engine.ReasonDispatcherUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := f.engine.Evaluate(ctx, engine.ActionRequest{RequestID: "req-" + tt.name, Intent: tt.intent, Operator: tt.operator})
			require.NoError(t, err)
			assert.Equal(t, engine.OutcomeDenied, ev.Outcome)
			assert.Equal(t, approval.DecisionDenied, ev.Decision)
			assert.Equal(t, tt.reason, ev.Reason)
			assert.Nil(t, ev.Approval)

			_, err = f.approvals.GetByRequestID(ctx, "req-"+tt.name)
			assert.ErrorIs(t, err, approval.ErrNotFound)
		})
	}
	assert.Equal(t, 0, f.webhook.count())
}

func TestEvaluateValidatesInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Evaluate(context.Background(), engine.ActionRequest{Intent: "cache.flush", Operator: requester})
	assert.ErrorIs(t, err, engine.ErrInvalidRequest)
	_, err = f.engine.Evaluate(context.Background(), engine.ActionRequest{RequestID: "r", Intent: "cache.flush"})
	assert.ErrorIs(t, err, engine.ErrInvalidRequest)
}

func TestUngovernedIntentDispatchesOnce(t *testing.T) {
	f := newFixture(t)
	f.webhook.fail = 1
	req := engine.ActionRequest{RequestID: "req-flush", Intent: "cache.flush", Operator: requester}

	ev, err := f.engine.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeDispatched, ev.Outcome)
	require.NotNil(t, ev.Dispatch)
	require.Len(t, ev.Dispatch.Steps, 1)
	assert.Equal(t, 2, ev.Dispatch.Steps[0].Attempts)
	assert.Nil(t, ev.Approval)

	again, err := f.engine.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, again.Existing)
	assert.Equal(t, 2, f.webhook.count())
}

func TestStepRejectionRejectsApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.submit(t, "req-1")

	out, err := f.engine.DecideStep(ctx, engine.StepDecision{StepID: stepByRole(ev.Chain, "legal").ID, Operator: lawyer, Status: chain.StepRejected, Note: "no"})
	require.NoError(t, err)
	assert.True(t, out.ChainRejected)
	assert.Equal(t, approval.StatusRejected, out.Approval.Status)
	require.Len(t, out.Skipped, 1)
	assert.Equal(t, "release", out.Skipped[0].Role)

	_, err = f.engine.Dispatch(ctx, engine.DispatchRequest{ApprovalID: ev.Approval.ID, Operator: requester})
	assert.ErrorIs(t, err, approval.ErrNotApplicable)
	assert.Equal(t, 0, f.webhook.count())
}

func TestDecideApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.submit(t, "req-1")

	denied, err := f.engine.DecideApproval(ctx, engine.ApprovalDecision{ApprovalID: ev.Approval.ID, Operator: lawyer, Status: approval.StatusRejected})
	require.NoError(t, err)
	assert.False(t, denied.Authorization.Allowed)

	_, err = f.engine.DecideApproval(ctx, engine.ApprovalDecision{ApprovalID: ev.Approval.ID, Operator: manager, Status: approval.StatusApproved})
	assert.ErrorIs(t, err, approval.ErrNotApplicable)

	out, err := f.engine.DecideApproval(ctx, engine.ApprovalDecision{ApprovalID: ev.Approval.ID, Operator: manager, Status: approval.StatusRejected, Note: "stop"})
	require.NoError(t, err)
	assert.Equal(t, approval.StatusRejected, out.Approval.Status)
	assert.Len(t, out.Cancelled, 2)

	summary, err := f.engine.ChainSummary(ctx, ev.Approval.ID)
	require.NoError(t, err)
	assert.True(t, summary.Terminal)
	assert.Empty(t, summary.Active)

	_, err = f.engine.DecideApproval(ctx, engine.ApprovalDecision{ApprovalID: ev.Approval.ID, Operator: manager, Status: approval.StatusRejected})
	assert.ErrorIs(t, err, approval.ErrNotApplicable)
}

func TestExpiryCancelsChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.submit(t, "req-1")

	f.clock.Advance(49 * time.Hour)
	_, err := f.engine.DecideStep(ctx, engine.StepDecision{StepID: stepByRole(ev.Chain, "legal").ID, Operator: lawyer, Status: chain.StepApproved})
	assert.ErrorIs(t, err, approval.ErrNotApplicable)

	view, err := f.engine.GetApproval(ctx, ev.Approval.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusExpired, view.Approval.Status)
	require.NotNil(t, view.Chain)
	assert.Empty(t, view.Chain.Active)

	expired, err := f.engine.ExpirePending(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
	assert.Len(t, f.events(t, audit.ApprovalDecided), 1)
}

func TestSweepExpiresThroughEngine(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "req-1")
	f.clock.Advance(72 * time.Hour)

	sweeper := approval.Sweeper{Expirer: f.engine}
	assert.Equal(t, 1, sweeper.Sweep(context.Background()))

	page, err := f.engine.ListApprovals(context.Background(), approval.Filter{Status: approval.StatusExpired})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestAutoDispatchAfterFinalApproval(t *testing.T) {
	f := newFixture(t, func(o *engine.Options) { o.AutoDispatch = true })
	ctx := context.Background()
	ev := f.submit(t, "req-1")

	_, err := f.engine.DecideStep(ctx, engine.StepDecision{StepID: stepByRole(ev.Chain, "legal").ID, Operator: lawyer, Status: chain.StepApproved})
	require.NoError(t, err)
	out, err := f.engine.DecideStep(ctx, engine.StepDecision{StepID: stepByRole(ev.Chain, "release").ID, Operator: releaser, Status: chain.StepApproved})
	require.NoError(t, err)
	require.NotNil(t, out.Dispatch)
	assert.Equal(t, approval.StatusDispatched, out.Dispatch.Approval.Status)
	assert.Equal(t, 1, f.webhook.count())
}

func TestReleaseHookRejectionKeepsApproval(t *testing.T) {
	f := newFixture(t, func(o *engine.Options) {
		o.Policy = rejectRelease{Local: o.Policy.(*policy.Local)}
	})
	ctx := context.Background()
	ev := f.submit(t, "req-1")
	for _, d := range []engine.StepDecision{
		{StepID: stepByRole(ev.Chain, "legal").ID, Operator: lawyer, Status: chain.StepApproved},
		{StepID: stepByRole(ev.Chain, "release").ID, Operator: releaser, Status: chain.StepApproved},
	} {
		_, err := f.engine.DecideStep(ctx, d)
		require.NoError(t, err)
	}

	out, err := f.engine.Dispatch(ctx, engine.DispatchRequest{ApprovalID: ev.Approval.ID, Operator: requester})
	require.NoError(t, err)
	assert.Equal(t, engine.ReasonReleaseRejected, out.Reason)
	assert.Nil(t, out.Result)
	assert.Equal(t, 0, f.webhook.count())

	view, err := f.engine.GetApproval(ctx, ev.Approval.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, view.Approval.Status)
}

func TestConcurrentDispatchHasOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.submit(t, "req-1")
	_, err := f.engine.DecideStep(ctx, engine.StepDecision{StepID: stepByRole(ev.Chain, "legal").ID, Operator: lawyer, Status: chain.StepApproved})
	require.NoError(t, err)
	_, err = f.engine.DecideStep(ctx, engine.StepDecision{StepID: stepByRole(ev.Chain, "release").ID, Operator: releaser, Status: chain.StepApproved})
	require.NoError(t, err)

	const callers = 4
	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, conflicts int
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Dispatch(ctx, engine.DispatchRequest{ApprovalID: ev.Approval.ID, Operator: requester})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, approval.ErrNotApplicable):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, callers-1, conflicts)
	assert.Equal(t, 1, f.webhook.count())
}

func TestDispatchRequiresPermission(t *testing.T) {
	f := newFixture(t)
	ev := f.submit(t, "req-1")
	out, err := f.engine.Dispatch(context.Background(), engine.DispatchRequest{ApprovalID: ev.Approval.ID, Operator: lawyer})
	require.NoError(t, err)
	require.NotNil(t, out.Authorization)
	assert.False(t, out.Authorization.Allowed)
	assert.Equal(t, authz.ReasonInsufficientPermissions, out.Reason)
}

func TestIntentLookup(t *testing.T) {
	f := newFixture(t)
	spec, err := f.engine.Intent("Deployment.Release")
	require.NoError(t, err)
	assert.True(t, spec.Governed)
	_, err = f.engine.Intent("nope")
	assert.ErrorIs(t, err, engine.ErrUnknownIntent)
	assert.Len(t, f.engine.Intents(), 3)
}
