package approval_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/governance-plane/internal/approval"
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

func newStore(t *testing.T) (*approval.Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	return approval.NewStore(storetest.Open(t), approval.WithClock(clock.Now)), clock
}

func create(t *testing.T, s *approval.Store, requestID string) approval.Approval {
	t.Helper()
	a, err := s.Create(context.Background(), approval.CreateInput{
		RequestID:     requestID,
		Intent:        "deployment.release",
		OperatorID:    "op-1",
		WorkspaceID:   "ws-1",
		Plan:          json.RawMessage(`[{"id":"s1"}]`),
		PlanDigest:    "abc",
		AuditSnapshot: json.RawMessage(`{"k":"v"}`),
	})
	require.NoError(t, err)
	return a
}

func TestCreateStartsPendingWithDefaultExpiry(t *testing.T) {
	s, clock := newStore(t)
	a := create(t, s, "req-1")

	assert.Equal(t, approval.StatusPending, a.Status)
	assert.Equal(t, approval.DecisionApproved, a.Decision)
	assert.Equal(t, clock.Now().Add(48*time.Hour), a.ExpiresAt)

	got, err := s.GetByRequestID(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.JSONEq(t, `[{"id":"s1"}]`, string(got.Plan))
	assert.JSONEq(t, `{"k":"v"}`, string(got.AuditSnapshot))
	assert.Nil(t, got.DecidedBy)
}

func TestCreateRejectsDuplicateRequestID(t *testing.T) {
	s, _ := newStore(t)
	create(t, s, "req-1")
	_, err := s.Create(context.Background(), approval.CreateInput{RequestID: "req-1", Intent: "x", OperatorID: "op"})
	assert.Error(t, err)
}

func TestGetMissing(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, approval.ErrNotFound)
}

func TestDecideApprovesOnlyFromPending(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	a := create(t, s, "req-1")

	res, err := s.Decide(ctx, a.ID, "boss", approval.StatusApproved, "ship it")
	require.NoError(t, err)
	require.True(t, res.Decided)
	assert.Equal(t, approval.StatusApproved, res.Approval.Status)
	require.NotNil(t, res.Approval.DecidedBy)
	assert.Equal(t, "boss", *res.Approval.DecidedBy)
	assert.Equal(t, "ship it", *res.Approval.DecisionNote)

	res, err = s.Decide(ctx, a.ID, "boss", approval.StatusRejected, "")
	require.NoError(t, err)
	assert.False(t, res.Decided)
	assert.False(t, res.Expired)

	_, err = s.Decide(ctx, a.ID, "boss", approval.StatusDispatched, "")
	assert.ErrorIs(t, err, approval.ErrInvalidStatus)
}

func TestDecideExpiresOverdueApproval(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()
	a := create(t, s, "req-1")

	clock.Advance(49 * time.Hour)
	res, err := s.Decide(ctx, a.ID, "boss", approval.StatusApproved, "")
	require.NoError(t, err)
	assert.False(t, res.Decided)
	assert.True(t, res.Expired)
	assert.Equal(t, approval.StatusExpired, res.Approval.Status)
}

func TestDispatchLifecycle(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	a := create(t, s, "req-1")

	_, ok, err := s.ConsumeForDispatch(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, ok, "pending approvals cannot be consumed")

	_, err = s.Decide(ctx, a.ID, "boss", approval.StatusApproved, "")
	require.NoError(t, err)

	_, ok, err = s.MarkDispatched(ctx, a.ID, nil)
	require.NoError(t, err)
	assert.False(t, ok, "approved rows cannot skip dispatching")

	consumed, ok, err := s.ConsumeForDispatch(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, approval.StatusDispatching, consumed.Status)

	done, ok, err := s.MarkDispatchFailed(ctx, a.ID, json.RawMessage(`{"failed":1}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, approval.StatusDispatchFailed, done.Status)
	assert.JSONEq(t, `{"failed":1}`, string(done.DispatchResult))
	assert.NotNil(t, done.DispatchedAt)

	_, ok, err = s.MarkDispatched(ctx, a.ID, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConsumeForDispatchHasOneWinner(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	a := create(t, s, "req-1")
	_, err := s.Decide(ctx, a.ID, "boss", approval.StatusApproved, "")
	require.NoError(t, err)

	const callers = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			got, ok, err := s.ConsumeForDispatch(ctx, a.ID)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
				assert.Equal(t, a.ID, got.ID)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestExpirePending(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()
	old := create(t, s, "req-old")
	clock.Advance(24 * time.Hour)
	fresh := create(t, s, "req-fresh")
	decided := create(t, s, "req-decided")
	_, err := s.Decide(ctx, decided.ID, "boss", approval.StatusRejected, "")
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)
	expired, err := s.ExpirePending(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, old.ID, expired[0].ID)
	assert.Equal(t, approval.StatusExpired, expired[0].Status)

	got, err := s.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, got.Status)

	again, err := s.ExpirePending(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestListFiltersAndPaginates(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()
	for _, id := range []string{"r1", "r2", "r3"} {
		create(t, s, id)
		clock.Advance(time.Minute)
	}
	other, err := s.Create(ctx, approval.CreateInput{RequestID: "r4", Intent: "config.update", OperatorID: "op-2", WorkspaceID: "ws-2"})
	require.NoError(t, err)
	_, err = s.Decide(ctx, other.ID, "boss", approval.StatusRejected, "")
	require.NoError(t, err)

	page, err := s.List(ctx, approval.Filter{OperatorID: "op-1", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "r3", page.Items[0].RequestID)
	assert.Equal(t, "r2", page.Items[1].RequestID)

	page, err = s.List(ctx, approval.Filter{OperatorID: "op-1", Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "r1", page.Items[0].RequestID)

	page, err = s.List(ctx, approval.Filter{Status: approval.StatusRejected, WorkspaceID: "ws-2"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "r4", page.Items[0].RequestID)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, approval.CanTransition(approval.StatusPending, approval.StatusExpired))
	assert.True(t, approval.CanTransition(approval.StatusDispatching, approval.StatusDispatchFailed))
	assert.False(t, approval.CanTransition(approval.StatusPending, approval.StatusDispatched))
	assert.False(t, approval.CanTransition(approval.StatusRejected, approval.StatusApproved))
	assert.True(t, approval.StatusDispatched.Terminal())
	assert.False(t, approval.StatusApproved.Terminal())
}

func TestSweeperSweep(t *testing.T) {
	s, clock := newStore(t)
	create(t, s, "req-1")
	clock.Advance(72 * time.Hour)

	sweeper := approval.Sweeper{Expirer: s}
	assert.Equal(t, 1, sweeper.Sweep(context.Background()))
	assert.Equal(t, 0, sweeper.Sweep(context.Background()))
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	s, _ := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		approval.Sweeper{Expirer: s, Interval: 5 * time.Millisecond}.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
