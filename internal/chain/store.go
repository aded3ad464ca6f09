package chain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/codex-k8s/governance-plane/internal/store"
)

const stepColumns = `id, approval_id, template_id, position, step_order, role, status, decided_by,
	decision_note, decided_at, activated_at, created_at, updated_at`

type stepRow struct {
	ID           string     `db:"id"`
	ApprovalID   string     `db:"approval_id"`
	TemplateID   string     `db:"template_id"`
	Position     int        `db:"position"`
	Order        int        `db:"step_order"`
	Role         string     `db:"role"`
	Status       string     `db:"status"`
	DecidedBy    *string    `db:"decided_by"`
	DecisionNote *string    `db:"decision_note"`
	DecidedAt    *time.Time `db:"decided_at"`
	ActivatedAt  *time.Time `db:"activated_at"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

func (r stepRow) step() Step {
	return Step{
		ID:           r.ID,
		ApprovalID:   r.ApprovalID,
		TemplateID:   r.TemplateID,
		Position:     r.Position,
		Order:        r.Order,
		Role:         r.Role,
		Status:       StepStatus(r.Status),
		DecidedBy:    r.DecidedBy,
		DecisionNote: r.DecisionNote,
		DecidedAt:    utcPtr(r.DecidedAt),
		ActivatedAt:  utcPtr(r.ActivatedAt),
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

type templateRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Version   int       `db:"version"`
	CreatedAt time.Time `db:"created_at"`
}

// Store persists chain templates and chain steps.
type Store struct {
	db  *store.DB
	tx  *sqlx.Tx
	now func() time.Time
}

// NewStore returns a Store over db.
func NewStore(db *store.DB) *Store {
	return &Store{db: db, now: store.Now}
}

// WithClock overrides the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	clone := *s
	clone.now = now
	return &clone
}

// InTx returns a copy of the store bound to tx.
func (s *Store) InTx(tx *sqlx.Tx) *Store {
	clone := *s
	clone.tx = tx
	return &clone
}

func (s *Store) q() store.Querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// atomic runs fn in the bound transaction or a new one.
func (s *Store) atomic(ctx context.Context, fn func(q store.Querier) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		return fn(tx)
	})
}

func (s *Store) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// CreateTemplate validates and inserts a template with its steps.
func (s *Store) CreateTemplate(ctx context.Context, tpl Template) (Template, error) {
	if err := tpl.Validate(); err != nil {
		return Template{}, err
	}
	tpl.ID = uuid.NewString()
	tpl.CreatedAt = s.clock()
	err := s.atomic(ctx, func(q store.Querier) error {
		if _, err := q.ExecContext(ctx, q.Rebind(
			`INSERT INTO chain_templates (id, name, version, created_at) VALUES (?, ?, ?, ?)`),
			tpl.ID, tpl.Name, tpl.Version, tpl.CreatedAt); err != nil {
			return fmt.Errorf("insert template: %w", err)
		}
		insert := q.Rebind(`INSERT INTO chain_template_steps (template_id, position, step_order, role) VALUES (?, ?, ?, ?)`)
		for i, step := range tpl.Steps {
			if _, err := q.ExecContext(ctx, insert, tpl.ID, i, step.Order, strings.TrimSpace(step.Role)); err != nil {
				return fmt.Errorf("insert template step: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Template{}, err
	}
	return tpl, nil
}

// EnsureTemplate returns the stored template with tpl's name and version,
// creating it when absent. A stored template with different steps is an error.
func (s *Store) EnsureTemplate(ctx context.Context, tpl Template) (Template, error) {
	if err := tpl.Validate(); err != nil {
		return Template{}, err
	}
	existing, err := s.GetTemplateByName(ctx, tpl.Name, tpl.Version)
	switch {
	case err == nil:
		if !sameSteps(existing.Steps, tpl.Steps) {
			return Template{}, fmt.Errorf("%w: %s/%d already exists with different steps", ErrInvalidTemplate, tpl.Name, tpl.Version)
		}
		return existing, nil
	case errors.Is(err, ErrNotFound):
		created, err := s.CreateTemplate(ctx, tpl)
		if err != nil && store.IsUniqueViolation(err) {
			return s.GetTemplateByName(ctx, tpl.Name, tpl.Version)
		}
		return created, err
	default:
		return Template{}, err
	}
}

// GetTemplate loads a template by id.
func (s *Store) GetTemplate(ctx context.Context, id string) (Template, error) {
	return s.loadTemplate(ctx, "id = ?", id)
}

// GetTemplateByName loads a template by name and version.
func (s *Store) GetTemplateByName(ctx context.Context, name string, version int) (Template, error) {
	return s.loadTemplate(ctx, "name = ? AND version = ?", name, version)
}

func (s *Store) loadTemplate(ctx context.Context, where string, args ...any) (Template, error) {
	q := s.q()
	var tr templateRow
	if err := sqlx.GetContext(ctx, q, &tr, q.Rebind("SELECT id, name, version, created_at FROM chain_templates WHERE "+where), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Template{}, ErrNotFound
		}
		return Template{}, fmt.Errorf("get template: %w", err)
	}
	var steps []struct {
		Order int    `db:"step_order"`
		Role  string `db:"role"`
	}
	if err := sqlx.SelectContext(ctx, q, &steps, q.Rebind(
		"SELECT step_order, role FROM chain_template_steps WHERE template_id = ? ORDER BY position"), tr.ID); err != nil {
		return Template{}, fmt.Errorf("get template steps: %w", err)
	}
	tpl := Template{ID: tr.ID, Name: tr.Name, Version: tr.Version, CreatedAt: tr.CreatedAt.UTC()}
	for _, step := range steps {
		tpl.Steps = append(tpl.Steps, TemplateStep{Order: step.Order, Role: step.Role})
	}
	return tpl, nil
}

// CreateChainForApproval instantiates a template for an approval. Order-0 steps start active.
func (s *Store) CreateChainForApproval(ctx context.Context, approvalID, templateID string) ([]Step, error) {
	var out []Step
	err := s.atomic(ctx, func(q store.Querier) error {
		var existing int
		if err := sqlx.GetContext(ctx, q, &existing, q.Rebind(
			"SELECT COUNT(*) FROM chain_steps WHERE approval_id = ?"), approvalID); err != nil {
			return fmt.Errorf("check chain: %w", err)
		}
		if existing > 0 {
			return ErrChainExists
		}

		tpl, err := s.InTxQuerier(q).GetTemplate(ctx, templateID)
		if err != nil {
			return err
		}
		if err := ValidateSteps(tpl.Steps); err != nil {
			return err
		}

		now := s.clock()
		insert := q.Rebind(`INSERT INTO chain_steps (id, approval_id, template_id, position, step_order, role,
			status, activated_at, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		for i, ts := range tpl.Steps {
			step := Step{
				ID:         uuid.NewString(),
				ApprovalID: approvalID,
				TemplateID: tpl.ID,
				Position:   i,
				Order:      ts.Order,
				Role:       ts.Role,
				Status:     StepPending,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if ts.Order == 0 {
				step.Status = StepActive
				activated := now
				step.ActivatedAt = &activated
			}
			if _, err := q.ExecContext(ctx, insert, step.ID, step.ApprovalID, step.TemplateID, step.Position,
				step.Order, step.Role, step.Status, step.ActivatedAt, step.CreatedAt, step.UpdatedAt); err != nil {
				return fmt.Errorf("insert chain step: %w", err)
			}
			out = append(out, step)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// InTxQuerier binds reads to q when q is a transaction.
func (s *Store) InTxQuerier(q store.Querier) *Store {
	if tx, ok := q.(*sqlx.Tx); ok {
		return s.InTx(tx)
	}
	return s
}

// GetStep loads a chain step by id.
func (s *Store) GetStep(ctx context.Context, stepID string) (Step, error) {
	q := s.q()
	var r stepRow
	if err := sqlx.GetContext(ctx, q, &r, q.Rebind("SELECT "+stepColumns+" FROM chain_steps WHERE id = ?"), stepID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Step{}, ErrNotFound
		}
		return Step{}, fmt.Errorf("get step: %w", err)
	}
	return r.step(), nil
}

// Steps returns the chain steps of an approval ordered by order and position.
func (s *Store) Steps(ctx context.Context, approvalID string) ([]Step, error) {
	q := s.q()
	var rows []stepRow
	if err := sqlx.SelectContext(ctx, q, &rows, q.Rebind(
		"SELECT "+stepColumns+" FROM chain_steps WHERE approval_id = ? ORDER BY step_order, position"), approvalID); err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	out := make([]Step, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.step())
	}
	return out, nil
}

func (s *Store) stepsByID(ctx context.Context, q store.Querier, ids []string) ([]Step, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In("SELECT "+stepColumns+" FROM chain_steps WHERE id IN (?) ORDER BY step_order, position", ids)
	if err != nil {
		return nil, err
	}
	var rows []stepRow
	if err := sqlx.SelectContext(ctx, q, &rows, q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	out := make([]Step, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.step())
	}
	return out, nil
}

// DecideStep approves or rejects an active step and advances the chain in one transaction.
// A step that is not active yields Applied=false and no error.
func (s *Store) DecideStep(ctx context.Context, stepID, deciderID string, status StepStatus, note string) (DecideResult, error) {
	if status != StepApproved && status != StepRejected {
		return DecideResult{}, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
	var res DecideResult
	err := s.atomic(ctx, func(q store.Querier) error {
		if err := lockChain(ctx, q, stepID); err != nil {
			return err
		}
		now := s.clock()
		var id string
		err := sqlx.GetContext(ctx, q, &id, q.Rebind(`UPDATE chain_steps
			SET status = ?, decided_by = ?, decision_note = ?, decided_at = ?, updated_at = ?
			WHERE id = ? AND status = ? RETURNING id`),
			status, deciderID, nullable(note), now, now, stepID, StepActive)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decide step: %w", err)
		}
		res.Applied = true

		decided, err := s.InTxQuerier(q).GetStep(ctx, id)
		if err != nil {
			return err
		}
		res.Step = decided

		if status == StepRejected {
			var skipped []string
			if err := sqlx.SelectContext(ctx, q, &skipped, q.Rebind(`UPDATE chain_steps SET status = ?, updated_at = ?
				WHERE approval_id = ? AND id <> ?
				AND ((step_order = ? AND status = ?) OR (step_order > ? AND status IN (?, ?)))
				RETURNING id`),
				StepSkipped, now, decided.ApprovalID, decided.ID,
				decided.Order, StepActive, decided.Order, StepPending, StepActive); err != nil {
				return fmt.Errorf("skip steps: %w", err)
			}
			res.Skipped, err = s.stepsByID(ctx, q, skipped)
			if err != nil {
				return err
			}
			res.Rejected = true
			return nil
		}

		var activeSiblings int
		if err := sqlx.GetContext(ctx, q, &activeSiblings, q.Rebind(
			"SELECT COUNT(*) FROM chain_steps WHERE approval_id = ? AND step_order = ? AND status = ?"),
			decided.ApprovalID, decided.Order, StepActive); err != nil {
			return fmt.Errorf("count siblings: %w", err)
		}
		if activeSiblings > 0 {
			return nil
		}
		res.Advanced = true

		var activated []string
		if err := sqlx.SelectContext(ctx, q, &activated, q.Rebind(`UPDATE chain_steps SET status = ?, activated_at = ?, updated_at = ?
			WHERE approval_id = ? AND step_order = ? AND status = ? RETURNING id`),
			StepActive, now, now, decided.ApprovalID, decided.Order+1, StepPending); err != nil {
			return fmt.Errorf("activate next group: %w", err)
		}
		if len(activated) > 0 {
			res.Activated, err = s.stepsByID(ctx, q, activated)
			return err
		}

		var remaining int
		if err := sqlx.GetContext(ctx, q, &remaining, q.Rebind(
			"SELECT COUNT(*) FROM chain_steps WHERE approval_id = ? AND status <> ?"),
			decided.ApprovalID, StepApproved); err != nil {
			return fmt.Errorf("count remaining: %w", err)
		}
		res.AllApproved = remaining == 0
		return nil
	})
	if err != nil {
		return DecideResult{}, err
	}
	return res, nil
}

// lockChain serializes decisions on one chain by write-locking the owning
// approval row until the transaction ends. Statements after it see siblings
// decided by transactions that committed while this one waited.
func lockChain(ctx context.Context, q store.Querier, stepID string) error {
	if _, err := q.ExecContext(ctx, q.Rebind(`UPDATE approvals SET updated_at = updated_at
		WHERE id = (SELECT approval_id FROM chain_steps WHERE id = ?)`), stepID); err != nil {
		return fmt.Errorf("lock chain: %w", err)
	}
	return nil
}

// Cancel skips every non-terminal step of an approval's chain.
func (s *Store) Cancel(ctx context.Context, approvalID string) ([]Step, error) {
	q := s.q()
	var ids []string
	if err := sqlx.SelectContext(ctx, q, &ids, q.Rebind(`UPDATE chain_steps SET status = ?, updated_at = ?
		WHERE approval_id = ? AND status IN (?, ?) RETURNING id`),
		StepSkipped, s.clock(), approvalID, StepActive, StepPending); err != nil {
		return nil, fmt.Errorf("cancel chain: %w", err)
	}
	return s.stepsByID(ctx, q, ids)
}

// GetChainProgress returns counts, active steps and terminal flags.
func (s *Store) GetChainProgress(ctx context.Context, approvalID string) (Progress, error) {
	summary, err := s.GetChainSummary(ctx, approvalID)
	if err != nil {
		return Progress{}, err
	}
	return summary.Progress, nil
}

// GetChainSummary returns the progress plus every step.
func (s *Store) GetChainSummary(ctx context.Context, approvalID string) (Summary, error) {
	steps, err := s.Steps(ctx, approvalID)
	if err != nil {
		return Summary{}, err
	}
	if len(steps) == 0 {
		return Summary{}, ErrNotFound
	}
	return Summarize(approvalID, steps), nil
}

func sameSteps(a, b []TemplateStep) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Order != b[i].Order || !strings.EqualFold(strings.TrimSpace(a[i].Role), strings.TrimSpace(b[i].Role)) {
			return false
		}
	}
	return true
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
