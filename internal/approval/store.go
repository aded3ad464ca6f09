package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/codex-k8s/governance-plane/internal/store"
)

const columns = `id, request_id, intent, decision, status, operator_id, workspace_id, municipality_id,
	plan, plan_digest, audit_snapshot, decided_by, decision_note, decided_at, dispatch_result,
	dispatched_at, created_at, updated_at, expires_at`

type row struct {
	ID             string     `db:"id"`
	RequestID      string     `db:"request_id"`
	Intent         string     `db:"intent"`
	Decision       string     `db:"decision"`
	Status         string     `db:"status"`
	OperatorID     string     `db:"operator_id"`
	WorkspaceID    string     `db:"workspace_id"`
	MunicipalityID string     `db:"municipality_id"`
	Plan           string     `db:"plan"`
	PlanDigest     string     `db:"plan_digest"`
	AuditSnapshot  string     `db:"audit_snapshot"`
	DecidedBy      *string    `db:"decided_by"`
	DecisionNote   *string    `db:"decision_note"`
	DecidedAt      *time.Time `db:"decided_at"`
	DispatchResult *string    `db:"dispatch_result"`
	DispatchedAt   *time.Time `db:"dispatched_at"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
	ExpiresAt      time.Time  `db:"expires_at"`
}

func (r row) approval() Approval {
	out := Approval{
		ID:             r.ID,
		RequestID:      r.RequestID,
		Intent:         r.Intent,
		Decision:       r.Decision,
		Status:         Status(r.Status),
		OperatorID:     r.OperatorID,
		WorkspaceID:    r.WorkspaceID,
		MunicipalityID: r.MunicipalityID,
		Plan:           json.RawMessage(r.Plan),
		PlanDigest:     r.PlanDigest,
		AuditSnapshot:  json.RawMessage(r.AuditSnapshot),
		DecidedBy:      r.DecidedBy,
		DecisionNote:   r.DecisionNote,
		DecidedAt:      utcPtr(r.DecidedAt),
		DispatchedAt:   utcPtr(r.DispatchedAt),
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
		ExpiresAt:      r.ExpiresAt.UTC(),
	}
	if r.DispatchResult != nil {
		out.DispatchResult = json.RawMessage(*r.DispatchResult)
	}
	return out
}

// Store persists approvals. Every transition is one conditional statement.
type Store struct {
	q   store.Querier
	ttl time.Duration
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the default approval lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore returns a Store over db.
func NewStore(db *store.DB, opts ...Option) *Store {
	s := &Store{q: db, ttl: DefaultTTL, now: store.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InTx returns a copy of the store bound to tx.
func (s *Store) InTx(tx *sqlx.Tx) *Store {
	clone := *s
	clone.q = tx
	return &clone
}

func (s *Store) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Create inserts a new pending approval.
func (s *Store) Create(ctx context.Context, in CreateInput) (Approval, error) {
	if strings.TrimSpace(in.RequestID) == "" {
		return Approval{}, errors.New("request id is required")
	}
	if strings.TrimSpace(in.Intent) == "" {
		return Approval{}, errors.New("intent is required")
	}
	if strings.TrimSpace(in.OperatorID) == "" {
		return Approval{}, errors.New("operator id is required")
	}
	if len(in.Plan) == 0 {
		in.Plan = json.RawMessage("[]")
	}
	if len(in.AuditSnapshot) == 0 {
		in.AuditSnapshot = json.RawMessage("{}")
	}
	if in.Decision == "" {
		in.Decision = DecisionApproved
	}
	ttl := s.ttl
	if in.TTL > 0 {
		ttl = in.TTL
	}

	now := s.clock()
	r := row{
		ID:             uuid.NewString(),
		RequestID:      in.RequestID,
		Intent:         in.Intent,
		Decision:       in.Decision,
		Status:         string(StatusPending),
		OperatorID:     in.OperatorID,
		WorkspaceID:    in.WorkspaceID,
		MunicipalityID: in.MunicipalityID,
		Plan:           string(in.Plan),
		PlanDigest:     in.PlanDigest,
		AuditSnapshot:  string(in.AuditSnapshot),
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
	query := s.q.Rebind(`INSERT INTO approvals (id, request_id, intent, decision, status, operator_id,
		workspace_id, municipality_id, plan, plan_digest, audit_snapshot, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.q.ExecContext(ctx, query, r.ID, r.RequestID, r.Intent, r.Decision, r.Status, r.OperatorID,
		r.WorkspaceID, r.MunicipalityID, r.Plan, r.PlanDigest, r.AuditSnapshot, r.CreatedAt, r.UpdatedAt, r.ExpiresAt)
	if err != nil {
		return Approval{}, fmt.Errorf("insert approval: %w", err)
	}
	return r.approval(), nil
}

// Get loads an approval by id.
func (s *Store) Get(ctx context.Context, id string) (Approval, error) {
	return s.getBy(ctx, "id", id)
}

// GetByRequestID loads an approval by its originating request id.
func (s *Store) GetByRequestID(ctx context.Context, requestID string) (Approval, error) {
	return s.getBy(ctx, "request_id", requestID)
}

func (s *Store) getBy(ctx context.Context, column, value string) (Approval, error) {
	var r row
	query := s.q.Rebind(fmt.Sprintf("SELECT %s FROM approvals WHERE %s = ?", columns, column))
	if err := sqlx.GetContext(ctx, s.q, &r, query, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Approval{}, ErrNotFound
		}
		return Approval{}, fmt.Errorf("get approval: %w", err)
	}
	return r.approval(), nil
}

// update runs one conditional UPDATE ... RETURNING id; ok is false when no row matched.
func (s *Store) update(ctx context.Context, query string, args ...any) (Approval, bool, error) {
	var id string
	err := sqlx.GetContext(ctx, s.q, &id, s.q.Rebind(query+" RETURNING id"), args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Approval{}, false, nil
		}
		return Approval{}, false, err
	}
	a, err := s.Get(ctx, id)
	if err != nil {
		return Approval{}, true, err
	}
	return a, true, nil
}

// Decide records a human decision on a pending approval. An approval past its
// expiry is moved to expired instead and reported as not decided.
func (s *Store) Decide(ctx context.Context, id, approverID string, status Status, note string) (DecideResult, error) {
	if status != StatusApproved && status != StatusRejected {
		return DecideResult{}, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
	now := s.clock()

	expired, ok, err := s.update(ctx,
		`UPDATE approvals SET status = ?, updated_at = ? WHERE id = ? AND status = ? AND expires_at <= ?`,
		StatusExpired, now, id, StatusPending, now)
	if err != nil {
		return DecideResult{}, fmt.Errorf("expire approval: %w", err)
	}
	if ok {
		return DecideResult{Approval: expired, Expired: true}, nil
	}

	decided, ok, err := s.update(ctx,
		`UPDATE approvals SET status = ?, decided_by = ?, decision_note = ?, decided_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND expires_at > ?`,
		status, approverID, nullable(note), now, now, id, StatusPending, now)
	if err != nil {
		return DecideResult{}, fmt.Errorf("decide approval: %w", err)
	}
	return DecideResult{Approval: decided, Decided: ok}, nil
}

// Expire moves a single pending approval past its expiry to expired.
func (s *Store) Expire(ctx context.Context, id string) (Approval, bool, error) {
	now := s.clock()
	return s.update(ctx,
		`UPDATE approvals SET status = ?, updated_at = ? WHERE id = ? AND status = ? AND expires_at <= ?`,
		StatusExpired, now, id, StatusPending, now)
}

// ConsumeForDispatch moves approved → dispatching in one conditional write.
// Exactly one concurrent caller gets ok=true.
func (s *Store) ConsumeForDispatch(ctx context.Context, id string) (Approval, bool, error) {
	a, ok, err := s.update(ctx,
		`UPDATE approvals SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		StatusDispatching, s.clock(), id, StatusApproved)
	if err != nil {
		return Approval{}, false, fmt.Errorf("consume approval: %w", err)
	}
	return a, ok, nil
}

// MarkDispatched records a successful dispatch.
func (s *Store) MarkDispatched(ctx context.Context, id string, result json.RawMessage) (Approval, bool, error) {
	return s.finishDispatch(ctx, id, StatusDispatched, result)
}

// MarkDispatchFailed records a failed dispatch.
func (s *Store) MarkDispatchFailed(ctx context.Context, id string, result json.RawMessage) (Approval, bool, error) {
	return s.finishDispatch(ctx, id, StatusDispatchFailed, result)
}

func (s *Store) finishDispatch(ctx context.Context, id string, status Status, result json.RawMessage) (Approval, bool, error) {
	if len(result) == 0 {
		result = json.RawMessage("{}")
	}
	now := s.clock()
	a, ok, err := s.update(ctx,
		`UPDATE approvals SET status = ?, dispatch_result = ?, dispatched_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		status, string(result), now, now, id, StatusDispatching)
	if err != nil {
		return Approval{}, false, fmt.Errorf("mark %s: %w", status, err)
	}
	return a, ok, nil
}

// ExpirePending moves every pending approval past its expiry to expired and returns them.
func (s *Store) ExpirePending(ctx context.Context) ([]Approval, error) {
	now := s.clock()
	var ids []string
	query := s.q.Rebind(`UPDATE approvals SET status = ?, updated_at = ? WHERE status = ? AND expires_at <= ? RETURNING id`)
	if err := sqlx.SelectContext(ctx, s.q, &ids, query, StatusExpired, now, StatusPending, now); err != nil {
		return nil, fmt.Errorf("expire pending: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(fmt.Sprintf("SELECT %s FROM approvals WHERE id IN (?) ORDER BY created_at, id", columns), ids)
	if err != nil {
		return nil, fmt.Errorf("expire pending: %w", err)
	}
	var rows []row
	if err := sqlx.SelectContext(ctx, s.q, &rows, s.q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("load expired: %w", err)
	}
	out := make([]Approval, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.approval())
	}
	return out, nil
}

// List returns approvals matching filter, newest first.
func (s *Store) List(ctx context.Context, filter Filter) (Page, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.OperatorID != "" {
		where = append(where, "operator_id = ?")
		args = append(args, filter.OperatorID)
	}
	if filter.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := sqlx.GetContext(ctx, s.q, &total, s.q.Rebind("SELECT COUNT(*) FROM approvals"+clause), args...); err != nil {
		return Page{}, fmt.Errorf("count approvals: %w", err)
	}

	var rows []row
	query := s.q.Rebind(fmt.Sprintf("SELECT %s FROM approvals%s ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?", columns, clause))
	if err := sqlx.SelectContext(ctx, s.q, &rows, query, append(args, limit, offset)...); err != nil {
		return Page{}, fmt.Errorf("list approvals: %w", err)
	}
	page := Page{Items: make([]Approval, 0, len(rows)), Total: total, Limit: limit, Offset: offset}
	for _, r := range rows {
		page.Items = append(page.Items, r.approval())
	}
	return page, nil
}

func nullable(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
