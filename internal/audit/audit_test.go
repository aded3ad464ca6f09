package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/governance-plane/internal/audit"
	"github.com/codex-k8s/governance-plane/internal/store/storetest"
)

func TestSQLSinkIsIdempotentOnEventID(t *testing.T) {
	sink := audit.NewSQLSink(storetest.Open(t))
	ctx := context.Background()

	event := audit.NewEvent(audit.ApprovalCreated)
	event.Intent = "deployment.release"
	event.Outcome = "pending"
	event.Details = map[string]any{"approval_id": "a1", "api_token": "abc"}

	require.NoError(t, sink.Write(ctx, event))
	event.Outcome = "changed"
	require.NoError(t, sink.Write(ctx, event))

	events, err := sink.List(ctx, audit.Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "pending", events[0].Outcome)
	assert.Equal(t, "a1", events[0].Details["approval_id"])
	assert.Equal(t, "***", events[0].Details["api_token"])
}

func TestSQLSinkRejectsInvalidEvents(t *testing.T) {
	sink := audit.NewSQLSink(storetest.Open(t))
	err := sink.Write(context.Background(), audit.Event{EventID: "x", EventType: "made_up"})
	assert.ErrorIs(t, err, audit.ErrInvalidEvent)
	err = sink.Write(context.Background(), audit.Event{EventType: audit.ApprovalDecided})
	assert.ErrorIs(t, err, audit.ErrInvalidEvent)
}

func TestSQLSinkListFilters(t *testing.T) {
	sink := audit.NewSQLSink(storetest.Open(t))
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, typ := range []audit.EventType{audit.ActionEvaluated, audit.ApprovalCreated, audit.ActionEvaluated} {
		event := audit.NewEvent(typ)
		event.Timestamp = base.Add(time.Duration(i) * time.Minute)
		event.Intent = "config.update"
		require.NoError(t, sink.Write(ctx, event))
	}

	events, err := sink.List(ctx, audit.Filter{EventType: audit.ActionEvaluated})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].Timestamp.After(events[1].Timestamp))

	events, err = sink.List(ctx, audit.Filter{Intent: "other"})
	require.NoError(t, err)
	assert.Empty(t, events)
}

type failingSink struct{}

func (failingSink) Write(context.Context, audit.Event) error { return errors.New("down") }

func TestMultiWritesEverySink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	err := audit.Multi{failingSink{}, audit.New(logger)}.Write(context.Background(), audit.Event{
		EventID:   "e1",
		EventType: audit.ChainStepDecided,
		Details:   map[string]any{"password": "p"},
	})
	require.EqualError(t, err, "down")

	var logged map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &logged))
	assert.Equal(t, "chain_step_decided", logged["event_type"])
	assert.Equal(t, "***", logged["details"].(map[string]any)["password"])
}
