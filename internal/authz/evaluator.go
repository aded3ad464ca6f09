package authz

import (
	"sort"
	"time"
)

// Evaluator computes allow/deny decisions. It holds no state besides the table.
type Evaluator struct {
	// Table resolves required permissions.
	Table Table
}

// NewEvaluator returns an evaluator over the default table merged with extra.
func NewEvaluator(extra Table) Evaluator {
	return Evaluator{Table: DefaultTable().Merge(extra)}
}

// Evaluate decides whether the operator may perform the request.
func (e Evaluator) Evaluate(req Request) Result {
	at := req.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	required := e.Table.Required(req.Intent, req.Connectors, req.ApprovalRole)
	trace := Trace{
		Intent:       normalize(req.Intent),
		ApprovalRole: normalize(req.ApprovalRole),
		Required:     required,
		EvaluatedAt:  at,
	}

	own := make(map[string]struct{}, len(req.Permissions))
	for _, perm := range normalizeSet(req.Permissions) {
		own[perm] = struct{}{}
	}
	for _, perm := range required {
		if _, ok := own[perm]; !ok {
			trace.Missing = append(trace.Missing, perm)
		}
	}
	if len(required) > 0 && len(trace.Missing) == 0 {
		trace.RoleSatisfied = true
		trace.Outcome = ReasonRole
		return Result{Allowed: true, Reason: ReasonRole, Required: required, Via: ViaRole, Trace: trace}
	}

	var matches []Delegation
	for _, delegation := range req.Delegations {
		check := DelegationCheck{ID: delegation.ID, Precedence: delegation.Precedence}
		check.Recipient = delegation.ToOperatorID == "" || delegation.ToOperatorID == req.OperatorID
		if check.Recipient {
			check.Active = delegation.ActiveAt(at)
		}
		if check.Active {
			check.ScopeMatch = delegation.Scope.Matches(req.Intent, required, req.Connectors)
		}
		trace.Delegations = append(trace.Delegations, check)
		if check.Recipient && check.Active && check.ScopeMatch {
			matches = append(matches, delegation)
		}
	}

	if len(matches) == 0 {
		trace.Outcome = ReasonInsufficientPermissions
		return Result{Allowed: false, Reason: ReasonInsufficientPermissions, Required: required, Trace: trace}
	}

	SortDelegations(matches)
	for _, delegation := range matches {
		trace.Ordered = append(trace.Ordered, delegation.ID)
	}

	if len(matches) > 1 && tied(matches[0], matches[1]) {
		var candidates []Delegation
		for _, delegation := range matches {
			if tied(matches[0], delegation) {
				candidates = append(candidates, delegation)
			}
		}
		trace.Outcome = ReasonDelegationAmbiguity
		return Result{Allowed: false, Reason: ReasonDelegationAmbiguity, Required: required, Candidates: candidates, Trace: trace}
	}

	chosen := matches[0]
	trace.Outcome = ReasonDelegation
	return Result{Allowed: true, Reason: ReasonDelegation, Required: required, Via: ViaDelegation, Delegation: &chosen, Trace: trace}
}

// ActiveAt reports whether the delegation's window covers at.
func (d Delegation) ActiveAt(at time.Time) bool {
	if d.StartsAt != nil && at.Before(*d.StartsAt) {
		return false
	}
	if d.EndsAt != nil && !at.Before(*d.EndsAt) {
		return false
	}
	if d.RevokedAt != nil && !at.Before(*d.RevokedAt) {
		return false
	}
	return true
}

// Matches reports whether the scope covers the intent, a required permission or a touched connector.
func (s Scope) Matches(intent string, required, connectors []string) bool {
	if s.Wildcard {
		return true
	}
	for _, item := range s.Intents {
		if normalize(item) == "*" || normalize(item) == normalize(intent) {
			return true
		}
	}
	for _, item := range s.Permissions {
		if normalize(item) == "*" {
			return true
		}
		for _, perm := range required {
			if normalize(item) == perm {
				return true
			}
		}
	}
	for _, item := range s.Connectors {
		if normalize(item) == "*" {
			return true
		}
		for _, connector := range connectors {
			if normalize(item) == normalize(connector) {
				return true
			}
		}
	}
	return false
}

// SortDelegations orders by precedence desc, start time desc, then id asc.
func SortDelegations(items []Delegation) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Precedence != b.Precedence {
			return a.Precedence > b.Precedence
		}
		as, bs := startOf(a), startOf(b)
		if !as.Equal(bs) {
			return as.After(bs)
		}
		return a.ID < b.ID
	})
}

func tied(a, b Delegation) bool {
	return a.Precedence == b.Precedence && startOf(a).Equal(startOf(b))
}

func startOf(d Delegation) time.Time {
	if d.StartsAt == nil {
		return time.Time{}
	}
	return *d.StartsAt
}
