package authz

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var evalAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func TestRequiredLowercasesAndDeduplicates(t *testing.T) {
	table := Table{
		Intents:    map[string][]string{"Deploy": {"Deploy:Release", "deploy:release"}},
		Connectors: map[string][]string{"github": {"GITHUB:WRITE", "deploy:release"}},
	}
	got := table.Required("deploy", []string{"GitHub"}, "")
	assert.Equal(t, []string{"deploy:release", "github:write"}, got)
}

func TestRequiredFallsBackForUnknownIntent(t *testing.T) {
	got := DefaultTable().Required("Mystery.Action", nil, "")
	assert.Equal(t, []string{"intent:mystery.action"}, got)
}

func TestRequiredForApprovalRole(t *testing.T) {
	table := DefaultTable().Merge(Table{Roles: map[string][]string{"legal": {"legal:sign"}}})
	assert.Equal(t, []string{"legal:sign"}, table.Required(IntentStepDecide, nil, "Legal"))
	assert.Equal(t, []string{"approve:release"}, table.Required(IntentStepDecide, nil, "release"))
}

func TestEvaluateAllowsViaRole(t *testing.T) {
	ev := NewEvaluator(Table{})
	res := ev.Evaluate(Request{
		OperatorID:  "op-1",
		Permissions: []string{"Config:Write"},
		Intent:      "config.update",
		At:          evalAt,
	})
	require.True(t, res.Allowed)
	assert.Equal(t, ViaRole, res.Via)
	assert.Nil(t, res.Delegation)
	assert.True(t, res.Trace.RoleSatisfied)
}

func TestEvaluateDeniesWithoutMatchingDelegation(t *testing.T) {
	ev := NewEvaluator(Table{})
	res := ev.Evaluate(Request{
		OperatorID: "op-1",
		Intent:     "config.update",
		Delegations: []Delegation{
			{ID: "expired", Scope: Scope{Wildcard: true}, EndsAt: ptr(evalAt.Add(-time.Hour))},
			{ID: "future", Scope: Scope{Wildcard: true}, StartsAt: ptr(evalAt.Add(time.Hour))},
			{ID: "revoked", Scope: Scope{Wildcard: true}, RevokedAt: ptr(evalAt.Add(-time.Minute))},
			{ID: "other-scope", Scope: Scope{Intents: []string{"records.export"}}},
			{ID: "other-operator", ToOperatorID: "op-2", Scope: Scope{Wildcard: true}},
		},
		At: evalAt,
	})
	require.False(t, res.Allowed)
	assert.Equal(t, ReasonInsufficientPermissions, res.Reason)
	assert.Equal(t, []string{"config:write"}, res.Required)
	require.Len(t, res.Trace.Delegations, 5)
	assert.Equal(t, DelegationCheck{ID: "expired", Recipient: true}, res.Trace.Delegations[0])
	assert.Equal(t, DelegationCheck{ID: "other-scope", Recipient: true, Active: true}, res.Trace.Delegations[3])
	assert.False(t, res.Trace.Delegations[4].Recipient)
}

func TestEvaluatePicksHighestPrecedence(t *testing.T) {
	ev := NewEvaluator(Table{})
	res := ev.Evaluate(Request{
		OperatorID: "op-1",
		Intent:     "deployment.release",
		Connectors: []string{"github"},
		Delegations: []Delegation{
			{ID: "low", Precedence: 1, Scope: Scope{Wildcard: true}},
			{ID: "high", Precedence: 5, Scope: Scope{Connectors: []string{"GitHub"}}},
			{ID: "perm", Precedence: 3, Scope: Scope{Permissions: []string{"deploy:release"}}},
		},
		At: evalAt,
	})
	require.True(t, res.Allowed)
	assert.Equal(t, ViaDelegation, res.Via)
	require.NotNil(t, res.Delegation)
	assert.Equal(t, "high", res.Delegation.ID)
	assert.Equal(t, []string{"high", "perm", "low"}, res.Trace.Ordered)
}

func TestEvaluateBreaksPrecedenceTieByStartTime(t *testing.T) {
	ev := NewEvaluator(Table{})
	res := ev.Evaluate(Request{
		OperatorID: "op-1",
		Intent:     "deployment.release",
		Delegations: []Delegation{
			{ID: "older", Precedence: 2, Scope: Scope{Wildcard: true}, StartsAt: ptr(evalAt.Add(-48 * time.Hour))},
			{ID: "newer", Precedence: 2, Scope: Scope{Wildcard: true}, StartsAt: ptr(evalAt.Add(-time.Hour))},
		},
		At: evalAt,
	})
	require.True(t, res.Allowed)
	assert.Equal(t, "newer", res.Delegation.ID)
}

func TestEvaluateDeniesOnAmbiguity(t *testing.T) {
	ev := NewEvaluator(Table{})
	start := ptr(evalAt.Add(-time.Hour))
	res := ev.Evaluate(Request{
		OperatorID: "op-1",
		Intent:     "deployment.release",
		Delegations: []Delegation{
			{ID: "b", Precedence: 4, Scope: Scope{Wildcard: true}, StartsAt: start},
			{ID: "a", Precedence: 4, Scope: Scope{Intents: []string{"deployment.release"}}, StartsAt: start},
			{ID: "c", Precedence: 1, Scope: Scope{Wildcard: true}},
		},
		At: evalAt,
	})
	require.False(t, res.Allowed)
	assert.Equal(t, ReasonDelegationAmbiguity, res.Reason)
	require.Len(t, res.Candidates, 2)
	assert.Equal(t, "a", res.Candidates[0].ID)
	assert.Equal(t, "b", res.Candidates[1].ID)
	assert.Equal(t, ReasonDelegationAmbiguity, res.Trace.Outcome)
}

func TestParseScope(t *testing.T) {
	scope, err := ParseScope([]string{"intent:Config.Update", "permission:deploy:release", "connector:github"})
	require.NoError(t, err)
	assert.Equal(t, []string{"config.update"}, scope.Intents)
	assert.Equal(t, []string{"deploy:release"}, scope.Permissions)
	assert.Equal(t, []string{"github"}, scope.Connectors)

	scope, err = ParseScope([]string{"*"})
	require.NoError(t, err)
	assert.True(t, scope.Wildcard)

	_, err = ParseScope([]string{"team:ops"})
	assert.Error(t, err)
}
