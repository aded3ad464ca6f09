package dsl

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/codex-k8s/governance-plane/internal/chain"
	"github.com/codex-k8s/governance-plane/internal/connector"
	"github.com/codex-k8s/governance-plane/internal/constants"
)

// Validate applies defaults and verifies required fields and references.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if err := validateServer(&cfg.Server); err != nil {
		return err
	}
	if err := validatePolicy(&cfg.Policy); err != nil {
		return err
	}

	templates := map[string]int{}
	for i, tpl := range cfg.ChainTemplates {
		name := strings.TrimSpace(tpl.Name)
		if name == "" {
			return fmt.Errorf("chain_templates[%d].name is required", i)
		}
		if tpl.Version == 0 {
			cfg.ChainTemplates[i].Version = 1
			tpl.Version = 1
		}
		key := fmt.Sprintf("%s@%d", name, tpl.Version)
		if _, exists := templates[key]; exists {
			return fmt.Errorf("duplicate chain template: %s", key)
		}
		if err := tpl.template().Validate(); err != nil {
			return fmt.Errorf("chain_templates[%d]: %w", i, err)
		}
		templates[key] = i
		if latest, ok := templates[name]; !ok || cfg.ChainTemplates[latest].Version < tpl.Version {
			templates[name] = i
		}
	}
	for key, ref := range cfg.Policy.Routes {
		if _, ok := templates[strings.TrimSpace(ref)]; !ok {
			return fmt.Errorf("policy.routes[%s]: unknown chain template %q", key, ref)
		}
	}

	connectors := map[string]struct{}{}
	for i := range cfg.Connectors {
		conn := &cfg.Connectors[i]
		name := strings.ToLower(strings.TrimSpace(conn.Name))
		if name == "" {
			return fmt.Errorf("connectors[%d].name is required", i)
		}
		if _, exists := connectors[name]; exists {
			return fmt.Errorf("duplicate connector name: %s", conn.Name)
		}
		connectors[name] = struct{}{}
		if err := validateConnector(conn, cfg.Server); err != nil {
			return fmt.Errorf("connectors[%d]: %w", i, err)
		}
	}

	intents := map[string]struct{}{}
	for i, intent := range cfg.Intents {
		name := strings.ToLower(strings.TrimSpace(intent.Name))
		if name == "" {
			return fmt.Errorf("intents[%d].name is required", i)
		}
		if _, exists := intents[name]; exists {
			return fmt.Errorf("duplicate intent name: %s", intent.Name)
		}
		intents[name] = struct{}{}
		steps := map[string]struct{}{}
		for j, step := range intent.Steps {
			if step.ID != "" {
				if _, exists := steps[step.ID]; exists {
					return fmt.Errorf("intents[%d].steps[%d]: duplicate step id %s", i, j, step.ID)
				}
				steps[step.ID] = struct{}{}
			}
			if step.Connector == "" {
				continue
			}
			if _, ok := connectors[strings.ToLower(strings.TrimSpace(step.Connector))]; !ok {
				return fmt.Errorf("intents[%d].steps[%d]: unknown connector %q", i, j, step.Connector)
			}
		}
		if intent.Limits != nil {
			if intent.Limits.RatePerMinute < 0 {
				return fmt.Errorf("intents[%d].limits.rate_per_minute must be >= 0", i)
			}
			for field, policy := range intent.Limits.Fields {
				if policy.Regex == "" {
					continue
				}
				if _, err := regexp.Compile(policy.Regex); err != nil {
					return fmt.Errorf("intents[%d].limits.fields.%s.regex: %w", i, field, err)
				}
			}
		}
	}

	return validateEngine(&cfg.Engine)
}

func validateServer(server *ServerConfig) error {
	if server.Name == "" {
		return fmt.Errorf("server.name is required")
	}
	if server.Version == "" {
		return fmt.Errorf("server.version is required")
	}
	if server.Transport == "" {
		server.Transport = constants.TransportHTTP
	}
	switch strings.ToLower(server.Transport) {
	case constants.TransportHTTP, constants.TransportStdio:
	default:
		return fmt.Errorf("server.transport must be http or stdio")
	}
	if server.HTTP.Listen == "" {
		server.HTTP.Listen = ":8080"
	}
	if server.HTTP.Path == "" {
		server.HTTP.Path = "/mcp"
	}
	if server.HTTP.CallbackPath == "" {
		server.HTTP.CallbackPath = "/connectors/callback"
	}
	if server.HTTP.MetricsPath == "" {
		server.HTTP.MetricsPath = "/metrics"
	}
	for name, value := range map[string]string{
		"server.shutdown_timeout":   server.ShutdownTimeout,
		"server.http.read_timeout":  server.HTTP.ReadTimeout,
		"server.http.write_timeout": server.HTTP.WriteTimeout,
		"server.http.idle_timeout":  server.HTTP.IdleTimeout,
	} {
		if err := checkDuration(name, value); err != nil {
			return err
		}
	}
	for i, hook := range server.StartupHooks {
		if strings.TrimSpace(hook.Command) == "" {
			return fmt.Errorf("server.startup_hooks[%d].command is required", i)
		}
		if err := checkDuration(fmt.Sprintf("server.startup_hooks[%d].timeout", i), hook.Timeout); err != nil {
			return err
		}
	}
	if strings.TrimSpace(server.CallbackURL) != "" {
		if _, err := parseAbsoluteURL(server.CallbackURL, true); err != nil {
			return fmt.Errorf("server.callback_url is invalid: %w", err)
		}
	}
	return nil
}

func validatePolicy(policy *PolicyConfig) error {
	if policy.Mode == "" {
		policy.Mode = constants.PolicyLocal
	}
	switch strings.ToLower(policy.Mode) {
	case constants.PolicyLocal:
		return nil
	case constants.PolicyRemote:
	default:
		return fmt.Errorf("policy.mode must be local or remote")
	}
	remote := &policy.Remote
	if _, err := parseAbsoluteURL(remote.URL, false); err != nil {
		return fmt.Errorf("policy.remote.url is invalid: %w", err)
	}
	if remote.MaxAttempts == 0 {
		remote.MaxAttempts = 3
	}
	if remote.MaxAttempts < 0 {
		return fmt.Errorf("policy.remote.max_attempts must be > 0")
	}
	if remote.RatePerSecond < 0 || remote.Burst < 0 {
		return fmt.Errorf("policy.remote rate limit must be >= 0")
	}
	for name, value := range map[string]string{
		"policy.remote.timeout":      remote.Timeout,
		"policy.remote.base_delay":   remote.BaseDelay,
		"policy.remote.template_ttl": remote.TemplateTTL,
	} {
		if err := checkDuration(name, value); err != nil {
			return err
		}
	}
	return nil
}

func validateConnector(conn *ConnectorConfig, server ServerConfig) error {
	conn.Type = strings.ToLower(strings.TrimSpace(conn.Type))
	switch conn.Type {
	case constants.ConnectorHTTP:
		if _, err := parseAbsoluteURL(conn.URL, false); err != nil {
			return fmt.Errorf("url is invalid: %w", err)
		}
		if conn.Async {
			if strings.TrimSpace(server.CallbackURL) == "" {
				return fmt.Errorf("async http connector requires server.callback_url")
			}
			if strings.EqualFold(server.Transport, constants.TransportStdio) {
				return fmt.Errorf("async http connector requires http transport")
			}
			if strings.TrimSpace(conn.Timeout) == "" {
				conn.Timeout = connector.DefaultAsyncTimeout.String()
			}
			if d, err := time.ParseDuration(conn.Timeout); err == nil && d <= 0 {
				return fmt.Errorf("async http connector requires a positive timeout")
			}
		}
	case constants.ConnectorShell:
		if strings.TrimSpace(conn.Command) == "" {
			return fmt.Errorf("command is required")
		}
	case constants.ConnectorLog:
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unsupported type %q", conn.Type)
	}
	if err := checkDuration("timeout", conn.Timeout); err != nil {
		return err
	}
	if conn.Retry != nil {
		if err := validateRetry("retry", conn.Retry); err != nil {
			return err
		}
	}
	return nil
}

func validateEngine(engine *EngineConfig) error {
	if engine.ApprovalTTL == "" {
		engine.ApprovalTTL = "48h"
	}
	if engine.SweepInterval == "" {
		engine.SweepInterval = "1m"
	}
	for name, value := range map[string]string{
		"engine.approval_ttl":   engine.ApprovalTTL,
		"engine.sweep_interval": engine.SweepInterval,
		"engine.result_ttl":     engine.ResultTTL,
	} {
		if err := checkDuration(name, value); err != nil {
			return err
		}
	}
	return validateRetry("engine.retry", &engine.Retry)
}

func validateRetry(name string, retry *RetryConfig) error {
	if retry.MaxAttempts == 0 {
		retry.MaxAttempts = 3
	}
	if retry.MaxAttempts < 0 {
		return fmt.Errorf("%s.max_attempts must be > 0", name)
	}
	return checkDuration(name+".base_delay", retry.BaseDelay)
}

func checkDuration(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s is invalid: %w", name, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must be >= 0", name)
	}
	return nil
}

func parseAbsoluteURL(raw string, requirePath bool) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("url is invalid: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("url must be absolute")
	}
	if requirePath && (strings.TrimSpace(parsed.Path) == "" || !strings.HasPrefix(parsed.Path, "/")) {
		return nil, fmt.Errorf("url must include a path")
	}
	return parsed, nil
}

func (t ChainTemplateConfig) template() chain.Template {
	tpl := chain.Template{Name: strings.TrimSpace(t.Name), Version: t.Version}
	for _, step := range t.Steps {
		tpl.Steps = append(tpl.Steps, chain.TemplateStep{Order: step.Order, Role: step.Role})
	}
	return tpl
}
