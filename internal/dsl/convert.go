package dsl

import (
	"strconv"
	"strings"
	"time"

	"github.com/codex-k8s/governance-plane/internal/approval"
	"github.com/codex-k8s/governance-plane/internal/authz"
	"github.com/codex-k8s/governance-plane/internal/chain"
	"github.com/codex-k8s/governance-plane/internal/connector"
	"github.com/codex-k8s/governance-plane/internal/dispatch"
	"github.com/codex-k8s/governance-plane/internal/limits"
	"github.com/codex-k8s/governance-plane/internal/plan"
	"github.com/codex-k8s/governance-plane/internal/policy"
	"github.com/codex-k8s/governance-plane/internal/timeutil"
)

// Templates indexes chain templates by "name@version" and by name (latest version).
func (c *Config) Templates() map[string]chain.Template {
	out := make(map[string]chain.Template, len(c.ChainTemplates)*2)
	for _, cfg := range c.ChainTemplates {
		tpl := cfg.template()
		out[tpl.Name+"@"+strconv.Itoa(tpl.Version)] = tpl
		if latest, ok := out[tpl.Name]; !ok || latest.Version < tpl.Version {
			out[tpl.Name] = tpl
		}
	}
	return out
}

// Routes resolves policy route references to templates.
func (c *Config) Routes() policy.Routes {
	templates := c.Templates()
	routes := make(policy.Routes, len(c.Policy.Routes))
	for key, ref := range c.Policy.Routes {
		if tpl, ok := templates[strings.TrimSpace(ref)]; ok {
			routes[key] = tpl
		}
	}
	return routes.Normalize()
}

// PermissionTable returns the configured additions to the built-in table.
func (c *Config) PermissionTable() authz.Table {
	return authz.Table{
		Intents:    c.Policy.Permissions.Intents,
		Connectors: c.Policy.Permissions.Connectors,
		Roles:      c.Policy.Permissions.Roles,
	}
}

// IntentSpecs converts intents for the plan builder.
func (c *Config) IntentSpecs() []plan.IntentSpec {
	out := make([]plan.IntentSpec, 0, len(c.Intents))
	for _, intent := range c.Intents {
		spec := plan.IntentSpec{
			Name:        strings.TrimSpace(intent.Name),
			Description: intent.Description,
			Governed:    intent.Governed,
			Connectors:  intent.Connectors,
		}
		for _, step := range intent.Steps {
			spec.Steps = append(spec.Steps, plan.StepSpec{
				ID:          step.ID,
				Description: step.Description,
				Connector:   strings.ToLower(strings.TrimSpace(step.Connector)),
				Requires:    step.Requires,
				Payload:     step.Payload,
			})
		}
		out = append(out, spec)
	}
	return out
}

// LimitPolicies returns the per-intent guards.
func (c *Config) LimitPolicies() map[string]limits.Policy {
	out := map[string]limits.Policy{}
	for _, intent := range c.Intents {
		if intent.Limits == nil {
			continue
		}
		p := limits.Policy{RatePerMinute: intent.Limits.RatePerMinute, Fields: map[string]limits.FieldPolicy{}}
		for field, rule := range intent.Limits.Fields {
			p.Fields[field] = limits.FieldPolicy{
				Required:  rule.Required,
				Regex:     rule.Regex,
				Min:       rule.Min,
				Max:       rule.Max,
				MinLength: rule.MinLength,
				MaxLength: rule.MaxLength,
			}
		}
		out[strings.ToLower(strings.TrimSpace(intent.Name))] = p
	}
	return out
}

// ConnectorSpecs converts connectors for connector.RegisterAll.
func (c *Config) ConnectorSpecs() []connector.Spec {
	out := make([]connector.Spec, 0, len(c.Connectors))
	for _, conn := range c.Connectors {
		spec := connector.Spec{
			Name:    conn.Name,
			Type:    conn.Type,
			URL:     conn.URL,
			Method:  conn.Method,
			Headers: conn.Headers,
			Secret:  conn.Secret,
			Async:   conn.Async,
			Timeout: timeutil.ParseDurationOrDefault(conn.Timeout, 0),
			Command: conn.Command,
			Args:    conn.Args,
			Env:     conn.Env,
		}
		if conn.Retry != nil {
			retry := conn.Retry.policy()
			spec.Retry = &retry
		}
		out = append(out, spec)
	}
	return out
}

// RemoteConfig returns the remote authority client settings.
func (c *Config) RemoteConfig() policy.RemoteConfig {
	r := c.Policy.Remote
	return policy.RemoteConfig{
		URL:               r.URL,
		Headers:           r.Headers,
		Timeout:           timeutil.ParseDurationOrDefault(r.Timeout, 5*time.Second),
		MaxAttempts:       r.MaxAttempts,
		BaseDelay:         timeutil.ParseDurationOrDefault(r.BaseDelay, dispatch.DefaultBaseDelay),
		RatePerSecond:     r.RatePerSecond,
		Burst:             r.Burst,
		TemplateTTL:       timeutil.ParseDurationOrDefault(r.TemplateTTL, 5*time.Minute),
		TemplateCacheSize: r.TemplateCacheSize,
	}
}

// RetryPolicy returns the engine's default dispatch retry policy.
func (e EngineConfig) RetryPolicy() dispatch.RetryPolicy {
	return e.Retry.policy()
}

// Durations returns the approval lifetime, sweep interval and result TTL.
func (e EngineConfig) Durations() (approvalTTL, sweepInterval, resultTTL time.Duration) {
	return timeutil.ParseDurationOrDefault(e.ApprovalTTL, approval.DefaultTTL),
		timeutil.ParseDurationOrDefault(e.SweepInterval, time.Minute),
		timeutil.ParseDurationOrDefault(e.ResultTTL, time.Hour)
}

func (r RetryConfig) policy() dispatch.RetryPolicy {
	return dispatch.RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   timeutil.ParseDurationOrDefault(r.BaseDelay, dispatch.DefaultBaseDelay),
	}
}
