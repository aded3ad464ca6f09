package dsl_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/governance-plane/configs"
	"github.com/codex-k8s/governance-plane/internal/connector"
	"github.com/codex-k8s/governance-plane/internal/dsl"
)

func TestLoadEmbeddedExample(t *testing.T) {
	raw, err := configs.Load("governance.yaml")
	require.NoError(t, err)
	cfg, err := dsl.LoadTemplate("governance.yaml", raw)
	require.NoError(t, err)

	assert.Equal(t, "governance-plane", cfg.Server.Name)
	assert.Equal(t, "/connectors/callback", cfg.Server.HTTP.CallbackPath)
	assert.Equal(t, "/metrics", cfg.Server.HTTP.MetricsPath)

	specs := cfg.IntentSpecs()
	require.Len(t, specs, 3)
	assert.True(t, specs[0].Governed)
	assert.Equal(t, `{{ arg "service" }}`, specs[0].Steps[0].Payload["service"])
	assert.Equal(t, []string{"deployer", "notifier"}, specs[0].TouchedConnectors())

	routes := cfg.Routes()
	assert.Equal(t, 1, routes.Resolve("deployment.release", "").Version)
	north := routes.Resolve("deployment.release", "North")
	assert.Equal(t, 2, north.Version)
	assert.Len(t, north.Steps, 3)
	assert.Equal(t, "default", routes.Resolve("cache.flush", "").Name)

	connectors := cfg.ConnectorSpecs()
	require.Len(t, connectors, 3)
	require.NotNil(t, connectors[0].Retry)
	assert.Equal(t, 5, connectors[0].Retry.MaxAttempts)
	assert.Nil(t, connectors[1].Retry)

	limits := cfg.LimitPolicies()
	assert.Equal(t, 10, limits["deployment.release"].RatePerMinute)
	assert.True(t, limits["deployment.release"].Fields["service"].Required)

	ttl, sweep, _ := cfg.Engine.Durations()
	assert.Equal(t, "48h0m0s", ttl.String())
	assert.Equal(t, "1m0s", sweep.String())
	assert.Equal(t, []string{"approve:legal"}, cfg.PermissionTable().Roles["legal"])
}

const base = `
server: {name: gp, version: "1"}
connectors:
  - {name: journal, type: log}
`

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown field", base + "bogus: 1\n", "field bogus not found"},
		{"missing name", "server: {version: \"1\"}\n", "server.name is required"},
		{"bad transport", "server: {name: a, version: \"1\", transport: grpc}\n", "server.transport"},
		{"unknown connector", base + "intents:\n  - name: a\n    steps: [{connector: ghost}]\n", `unknown connector "ghost"`},
		{"duplicate intent", base + "intents:\n  - {name: a}\n  - {name: A}\n", "duplicate intent name"},
		{"duplicate connector", base + "  - {name: Journal, type: log}\n", "duplicate connector name"},
		{"gap in orders", base + "chain_templates:\n  - {name: t, steps: [{order: 0, role: a}, {order: 2, role: b}]}\n", "invalid chain template"},
		{"empty role", base + "chain_templates:\n  - {name: t, steps: [{order: 0, role: ''}]}\n", "role is required"},
		{"unknown route", base + "policy:\n  routes: {a: missing}\n", "unknown chain template"},
		{"async without callback", "server: {name: a, version: \"1\"}\nconnectors:\n  - {name: h, type: http, url: 'http://x/y', async: true}\n", "callback_url"},
		{"async zero timeout", "server: {name: a, version: \"1\", callback_url: 'http://gp/cb'}\nconnectors:\n  - {name: h, type: http, url: 'http://x/y', async: true, timeout: 0s}\n", "positive timeout"},
		{"bad retry", base + "engine:\n  retry: {max_attempts: -1}\n", "max_attempts"},
		{"remote without url", base + "policy: {mode: remote}\n", "policy.remote.url"},
		{"bad regex", base + "intents:\n  - name: a\n    limits: {fields: {x: {regex: '('}}}\n", "regex"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dsl.Load([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := dsl.Load([]byte(base + "chain_templates:\n  - {name: t, steps: [{order: 0, role: a}]}\npolicy:\n  routes: {x: t}\n"))
	require.NoError(t, err)
	assert.Equal(t, "http", cfg.Server.Transport)
	assert.Equal(t, ":8080", cfg.Server.HTTP.Listen)
	assert.Equal(t, "local", cfg.Policy.Mode)
	assert.Equal(t, 1, cfg.ChainTemplates[0].Version)
	assert.Equal(t, 3, cfg.Engine.Retry.MaxAttempts)
	assert.Equal(t, "t", cfg.Routes()["x"].Name)
}

func TestLoadDefaultsAsyncConnectorTimeout(t *testing.T) {
	cfg, err := dsl.Load([]byte(`
server: {name: gp, version: "1", callback_url: "http://gp/connectors/callback"}
connectors:
  - {name: deployer, type: http, url: "http://deployer/run", async: true}
  - {name: notifier, type: http, url: "http://notifier/send"}
`))
	require.NoError(t, err)
	specs := cfg.ConnectorSpecs()
	require.Len(t, specs, 2)
	assert.Equal(t, connector.DefaultAsyncTimeout, specs[0].Timeout)
	assert.Zero(t, specs[1].Timeout)
}

func TestLoadTemplateReportsMissingEnv(t *testing.T) {
	_, err := dsl.LoadTemplate("cfg", []byte(`server: {name: {{ env "GOVERNANCE_TEST_UNSET_VAR" }}, version: "1"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GOVERNANCE_TEST_UNSET_VAR")
}

func TestLoadNormalizesNames(t *testing.T) {
	cfg, err := dsl.Load([]byte(`
server: {name: gp, version: "1", transport: " STDIO "}
connectors:
  - {name: " Journal ", type: LOG}
intents:
  - name: " cache.flush "
    connectors: [journal, JOURNAL, ""]
    steps:
      - id: " flush "
        connector: Journal
        requires: [region, " region", ""]
        payload:
          region: '{{ arg "region" }}'
          shards:
            1: hot
            2: [a, b]
`))
	require.NoError(t, err)
	assert.Equal(t, "stdio", cfg.Server.Transport)
	assert.Equal(t, "journal", cfg.Connectors[0].Name)
	assert.Equal(t, "log", cfg.Connectors[0].Type)

	intent := cfg.Intents[0]
	assert.Equal(t, "cache.flush", intent.Name)
	assert.Equal(t, []string{"journal"}, intent.Connectors)
	step := intent.Steps[0]
	assert.Equal(t, "flush", step.ID)
	assert.Equal(t, "journal", step.Connector)
	assert.Equal(t, []string{"region"}, step.Requires)
	assert.Equal(t, map[string]any{"1": "hot", "2": []any{"a", "b"}}, step.Payload["shards"])
}
