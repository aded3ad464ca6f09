package limits_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/governance-plane/internal/limits"
	"github.com/codex-k8s/governance-plane/internal/templates"
)

func ptr[T any](v T) *T { return &v }

func TestGuardValidatesFields(t *testing.T) {
	bundle, err := templates.Load("en")
	require.NoError(t, err)
	g, err := limits.New(map[string]limits.Policy{
		"Deployment.Release": {Fields: map[string]limits.FieldPolicy{
			"ref":      {Required: true, Regex: `^v\d+\.\d+\.\d+$`},
			"replicas": {Min: ptr(1.0), Max: ptr(10.0)},
			"note":     {MaxLength: ptr(5)},
		}},
	}, bundle)
	require.NoError(t, err)

	tests := []struct {
		name    string
		params  map[string]any
		allowed bool
		message string
	}{
		{"valid", map[string]any{"ref": "v1.2.3", "replicas": 3.0}, true, ""},
		{"missing", map[string]any{}, false, "Field ref is required"},
		{"bad format", map[string]any{"ref": "main"}, false, "Field ref does not match the required format"},
		{"too many", map[string]any{"ref": "v1.0.0", "replicas": 11}, false, "Field replicas must be at most 10"},
		{"too long", map[string]any{"ref": "v1.0.0", "note": "abcdef"}, false, "Field note must be at most 5 characters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := g.Check("deployment.release", "op", tt.params)
			assert.Equal(t, tt.allowed, v.Allowed)
			if !tt.allowed {
				assert.Equal(t, limits.ReasonInvalidParameters, v.Reason)
				assert.Equal(t, tt.message, v.Message)
			}
		})
	}
}

func TestGuardRateLimitsPerOperator(t *testing.T) {
	g, err := limits.New(map[string]limits.Policy{"config.update": {RatePerMinute: 2}}, nil)
	require.NoError(t, err)

	assert.True(t, g.Check("config.update", "op-1", nil).Allowed)
	assert.True(t, g.Check("config.update", "op-1", nil).Allowed)
	v := g.Check("config.update", "op-1", nil)
	assert.False(t, v.Allowed)
	assert.Equal(t, limits.ReasonRateLimited, v.Reason)
	assert.True(t, g.Check("config.update", "op-2", nil).Allowed)
	assert.True(t, g.Check("records.export", "op-1", nil).Allowed)
}

func TestGuardRejectsBadRegex(t *testing.T) {
	_, err := limits.New(map[string]limits.Policy{"x": {Fields: map[string]limits.FieldPolicy{"f": {Regex: "("}}}}, nil)
	assert.Error(t, err)
}

func TestNilGuardAllows(t *testing.T) {
	var g *limits.Guard
	assert.True(t, g.Check("x", "op", nil).Allowed)
}
