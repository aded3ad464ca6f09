package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func releaseSpec() IntentSpec {
	return IntentSpec{
		Name:       "deployment.release",
		Governed:   true,
		Connectors: []string{"audit-log"},
		Steps: []StepSpec{
			{
				ID:          "tag",
				Description: `Tag {{ arg "service" }} at {{ arg "ref" }}`,
				Connector:   "github",
				Requires:    []string{"service", "ref"},
				Payload: map[string]any{
					"repo": `{{ arg "service" }}`,
					"ref":  `{{ arg "ref" }}`,
					"labels": []any{"release", `{{ arg "service" }}`},
					"force": false,
				},
			},
			{Connector: "notify", Description: "Announce", Payload: map[string]any{"channel": "#ops"}},
		},
	}
}

func TestBuildRendersPayloads(t *testing.T) {
	b := NewBuilder([]IntentSpec{releaseSpec()})
	steps, err := b.Build("Deployment.Release", map[string]any{"service": "permits", "ref": "v1.2.0"})
	require.NoError(t, err)
	require.Len(t, steps, 2)

	assert.Equal(t, "tag", steps[0].ID)
	assert.Equal(t, StatusReady, steps[0].Status)
	assert.Equal(t, "Tag permits at v1.2.0", steps[0].Description)
	assert.Equal(t, "permits", steps[0].Payload["repo"])
	assert.Equal(t, []any{"release", "permits"}, steps[0].Payload["labels"])
	assert.Equal(t, false, steps[0].Payload["force"])

	assert.Equal(t, "step-2", steps[1].ID)
	assert.Equal(t, "#ops", steps[1].Payload["channel"])
}

func TestBuildBlocksStepsWithMissingParameters(t *testing.T) {
	b := NewBuilder([]IntentSpec{releaseSpec()})
	steps, err := b.Build("deployment.release", map[string]any{"service": "permits"})
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, steps[0].Status)
	assert.Contains(t, steps[0].BlockedReason, "ref")
	assert.Nil(t, steps[0].Payload)
	assert.Equal(t, StatusReady, steps[1].Status)
}

func TestBuildUnknownIntent(t *testing.T) {
	_, err := NewBuilder(nil).Build("nope", nil)
	assert.ErrorIs(t, err, ErrUnknownIntent)
}

func TestTouchedConnectors(t *testing.T) {
	assert.Equal(t, []string{"audit-log", "github", "notify"}, releaseSpec().TouchedConnectors())
}

func TestDigestIsStableAcrossKeyOrder(t *testing.T) {
	a := []Step{{ID: "s1", Connector: "github", Status: StatusReady, Payload: map[string]any{"a": 1, "b": map[string]any{"y": 2, "x": 1}}}}
	b := []Step{{ID: "s1", Connector: "github", Status: StatusReady, Payload: map[string]any{"b": map[string]any{"x": 1, "y": 2}, "a": 1}}}
	da, err := Digest(a)
	require.NoError(t, err)
	db, err := Digest(b)
	require.NoError(t, err)
	assert.Equal(t, da, db)
	assert.Len(t, da, 64)

	b[0].Payload["a"] = 2
	dc, err := Digest(b)
	require.NoError(t, err)
	assert.NotEqual(t, da, dc)
}

func TestCanonicalJSON(t *testing.T) {
	out, err := CanonicalJSON(map[string]any{"b": []any{true, nil, "x"}, "a": map[any]any{2: "two"}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"2":"two"},"b":[true,null,"x"]}`, string(out))
}

func TestEncodeDecode(t *testing.T) {
	raw, err := Encode(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(raw))

	steps, err := Decode([]byte(`[{"id":"s1","connector":"github","status":"ready","description":"d"}]`))
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "github", steps[0].Connector)
}
