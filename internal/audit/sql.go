package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/codex-k8s/governance-plane/internal/security"
	"github.com/codex-k8s/governance-plane/internal/store"
)

type row struct {
	EventID        string    `db:"event_id"`
	EventType      string    `db:"event_type"`
	WorkspaceID    string    `db:"workspace_id"`
	OperatorID     string    `db:"operator_id"`
	MunicipalityID string    `db:"municipality_id"`
	OccurredAt     time.Time `db:"occurred_at"`
	Intent         string    `db:"intent"`
	Outcome        string    `db:"outcome"`
	Details        string    `db:"details"`
}

// SQLSink appends events to the audit_events table.
type SQLSink struct {
	q store.Querier
}

// NewSQLSink returns a sink bound to db.
func NewSQLSink(db *store.DB) *SQLSink {
	return &SQLSink{q: db}
}

// InTx returns a sink that writes inside tx.
func (s *SQLSink) InTx(tx *sqlx.Tx) *SQLSink {
	return &SQLSink{q: tx}
}

// Write inserts the event; an existing event id is left untouched.
func (s *SQLSink) Write(ctx context.Context, event Event) error {
	if err := event.validate(); err != nil {
		return err
	}
	details := "{}"
	if len(event.Details) > 0 {
		data, err := json.Marshal(security.RedactArguments(event.Details))
		if err != nil {
			return fmt.Errorf("encode audit details: %w", err)
		}
		details = string(data)
	}
	occurred := event.Timestamp
	if occurred.IsZero() {
		occurred = store.Now()
	}
	query := s.q.Rebind(`INSERT INTO audit_events
		(event_id, event_type, workspace_id, operator_id, municipality_id, occurred_at, intent, outcome, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`)
	_, err := s.q.ExecContext(ctx, query,
		event.EventID, string(event.EventType), event.WorkspaceID, event.OperatorID, event.MunicipalityID,
		occurred.UTC().Truncate(time.Microsecond), event.Intent, event.Outcome, details)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Filter narrows List results.
type Filter struct {
	EventType EventType
	Intent    string
	Limit     int
}

// List returns the newest events first.
func (s *SQLSink) List(ctx context.Context, filter Filter) ([]Event, error) {
	var (
		where []string
		args  []any
	)
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(filter.EventType))
	}
	if filter.Intent != "" {
		where = append(where, "intent = ?")
		args = append(args, filter.Intent)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT event_id, event_type, workspace_id, operator_id, municipality_id, occurred_at, intent, outcome, details
		FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY occurred_at DESC, event_id ASC LIMIT %d", limit)

	var rows []row
	if err := sqlx.SelectContext(ctx, s.q, &rows, s.q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		event := Event{
			EventID:        r.EventID,
			EventType:      EventType(r.EventType),
			WorkspaceID:    r.WorkspaceID,
			OperatorID:     r.OperatorID,
			MunicipalityID: r.MunicipalityID,
			Timestamp:      r.OccurredAt.UTC(),
			Intent:         r.Intent,
			Outcome:        r.Outcome,
		}
		if r.Details != "" && r.Details != "{}" {
			if err := json.Unmarshal([]byte(r.Details), &event.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		out = append(out, event)
	}
	return out, nil
}
