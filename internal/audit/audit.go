package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/codex-k8s/governance-plane/internal/security"
)

// EventType enumerates governance-relevant facts.
type EventType string

// Audit event types.
const (
	ActionEvaluated      EventType = "action_evaluated"
	ApprovalCreated      EventType = "approval_created"
	ApprovalDecided      EventType = "approval_decided"
	ApprovalDispatched   EventType = "approval_dispatched"
	ChainStepDecided     EventType = "chain_step_decided"
	AuthorizationChecked EventType = "authorization_checked"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case ActionEvaluated, ApprovalCreated, ApprovalDecided, ApprovalDispatched, ChainStepDecided, AuthorizationChecked:
		return true
	}
	return false
}

// ErrInvalidEvent is returned for events missing an id or carrying an unknown type.
var ErrInvalidEvent = errors.New("invalid audit event")

// Event is one append-only audit record.
type Event struct {
	// EventID is the idempotency key; writing the same id twice stores one record.
	EventID        string         `json:"event_id"`
	EventType      EventType      `json:"event_type"`
	WorkspaceID    string         `json:"workspace_id"`
	OperatorID     string         `json:"operator_id"`
	MunicipalityID string         `json:"municipality_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Intent         string         `json:"intent"`
	Outcome        string         `json:"outcome"`
	Details        map[string]any `json:"details,omitempty"`
}

// NewEvent fills the id and timestamp.
func NewEvent(eventType EventType) Event {
	return Event{EventID: uuid.NewString(), EventType: eventType, Timestamp: time.Now().UTC()}
}

func (e Event) validate() error {
	if e.EventID == "" {
		return errors.Join(ErrInvalidEvent, errors.New("event id is required"))
	}
	if !e.EventType.Valid() {
		return errors.Join(ErrInvalidEvent, errors.New("unknown event type "+string(e.EventType)))
	}
	return nil
}

// Sink records audit events.
type Sink interface {
	// Write stores an event. Duplicate event ids are ignored.
	Write(ctx context.Context, event Event) error
}

// StdLogger writes audit events to slog.
type StdLogger struct {
	logger *slog.Logger
}

// New returns a StdLogger.
func New(logger *slog.Logger) *StdLogger {
	return &StdLogger{logger: logger}
}

// Write logs an audit event.
func (l *StdLogger) Write(ctx context.Context, event Event) error {
	if l == nil || l.logger == nil {
		return nil
	}
	l.logger.InfoContext(ctx, "audit",
		"event_id", event.EventID,
		"event_type", string(event.EventType),
		"workspace_id", event.WorkspaceID,
		"operator_id", event.OperatorID,
		"municipality_id", event.MunicipalityID,
		"intent", event.Intent,
		"outcome", event.Outcome,
		"details", security.RedactArguments(event.Details),
	)
	return nil
}

// Multi fans an event out to several sinks. Every sink is attempted.
type Multi []Sink

// Write writes to each sink and joins their errors.
func (m Multi) Write(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Write(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
