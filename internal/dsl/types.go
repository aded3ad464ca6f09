package dsl

// Config is the top-level YAML configuration.
type Config struct {
	// Server describes the process settings.
	Server ServerConfig `yaml:"server"`
	// Policy selects and configures the policy provider.
	Policy PolicyConfig `yaml:"policy"`
	// ChainTemplates declares approval chains referenced by policy routes.
	ChainTemplates []ChainTemplateConfig `yaml:"chain_templates"`
	// Connectors declares plan step dispatchers.
	Connectors []ConnectorConfig `yaml:"connectors"`
	// Intents declares the actions operators may request.
	Intents []IntentConfig `yaml:"intents"`
	// Engine tunes the governance engine.
	Engine EngineConfig `yaml:"engine"`
}

// ServerConfig defines process settings.
type ServerConfig struct {
	// Name is the MCP server name.
	Name string `yaml:"name"`
	// Version is the MCP server version.
	Version string `yaml:"version"`
	// Transport selects the MCP transport ("http" or "stdio").
	Transport string `yaml:"transport"`
	// ShutdownTimeout overrides graceful shutdown duration.
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	// StartupHooks defines one-time commands executed on start.
	StartupHooks []HookConfig `yaml:"startup_hooks"`
	// HTTP configures the HTTP listener.
	HTTP HTTPConfig `yaml:"http"`
	// CallbackURL is the public URL of the connector callback endpoint.
	CallbackURL string `yaml:"callback_url"`
	// CallbackSecret, when set, requires signed connector callbacks.
	CallbackSecret string `yaml:"callback_secret"`
	// Lang selects operator message language.
	Lang string `yaml:"lang"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`
	// Path is the MCP HTTP endpoint path.
	Path string `yaml:"path"`
	// CallbackPath is where async connectors post results.
	CallbackPath string `yaml:"callback_path"`
	// MetricsPath exposes Prometheus metrics.
	MetricsPath string `yaml:"metrics_path"`
	// ReadTimeout limits request read time.
	ReadTimeout string `yaml:"read_timeout"`
	// WriteTimeout limits response write time.
	WriteTimeout string `yaml:"write_timeout"`
	// IdleTimeout controls idle connections.
	IdleTimeout string `yaml:"idle_timeout"`
	// Stateless disables MCP session tracking.
	Stateless bool `yaml:"stateless"`
}

// HookConfig defines a startup hook command.
type HookConfig struct {
	// Command is the startup command to run.
	Command string `yaml:"command"`
	// Args are optional arguments.
	Args []string `yaml:"args"`
	// Env adds environment variables for the hook.
	Env map[string]string `yaml:"env"`
	// Timeout controls hook execution duration.
	Timeout string `yaml:"timeout"`
}

// PolicyConfig selects the authority.
type PolicyConfig struct {
	// Mode is "local" or "remote".
	Mode string `yaml:"mode"`
	// Remote configures the remote authority client.
	Remote RemoteConfig `yaml:"remote"`
	// Permissions extends the built-in permission table.
	Permissions PermissionsConfig `yaml:"permissions"`
	// Routes maps "intent", "intent@municipality" or "*@municipality" to a
	// chain template reference "name" or "name@version".
	Routes map[string]string `yaml:"routes"`
}

// RemoteConfig configures the remote authority client.
type RemoteConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	// Timeout bounds one request attempt.
	Timeout     string `yaml:"timeout"`
	MaxAttempts int    `yaml:"max_attempts"`
	BaseDelay   string `yaml:"base_delay"`
	// RatePerSecond limits outgoing requests; zero disables the limit.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	// TemplateTTL controls chain template caching.
	TemplateTTL       string `yaml:"template_ttl"`
	TemplateCacheSize int    `yaml:"template_cache_size"`
}

// PermissionsConfig maps intents, connectors and chain roles to permissions.
type PermissionsConfig struct {
	Intents    map[string][]string `yaml:"intents"`
	Connectors map[string][]string `yaml:"connectors"`
	Roles      map[string][]string `yaml:"roles"`
}

// ChainTemplateConfig declares an approval chain.
type ChainTemplateConfig struct {
	Name    string                    `yaml:"name"`
	Version int                       `yaml:"version"`
	Steps   []ChainTemplateStepConfig `yaml:"steps"`
}

// ChainTemplateStepConfig is one role at an order index; equal orders run in parallel.
type ChainTemplateStepConfig struct {
	Order int    `yaml:"order"`
	Role  string `yaml:"role"`
}

// ConnectorConfig declares a dispatcher.
type ConnectorConfig struct {
	// Name is referenced by intent steps.
	Name string `yaml:"name"`
	// Type selects the implementation (http, shell, log).
	Type string `yaml:"type"`
	// URL is the http connector endpoint.
	URL string `yaml:"url"`
	// Method overrides the HTTP method.
	Method string `yaml:"method"`
	// Headers adds HTTP headers.
	Headers map[string]string `yaml:"headers"`
	// Secret signs request bodies with HMAC-SHA256.
	Secret string `yaml:"secret"`
	// Async waits for a callback after a 202 response.
	Async bool `yaml:"async"`
	// Timeout bounds one dispatch attempt.
	Timeout string `yaml:"timeout"`
	// Command is the shell connector command.
	Command string `yaml:"command"`
	// Args are shell connector arguments.
	Args []string `yaml:"args"`
	// Env adds environment variables for the shell connector.
	Env map[string]string `yaml:"env"`
	// Retry overrides the engine retry policy.
	Retry *RetryConfig `yaml:"retry"`
}

// RetryConfig configures dispatch retries.
type RetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	BaseDelay   string `yaml:"base_delay"`
}

// IntentConfig declares an action.
type IntentConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// Governed intents wait for an approval chain before dispatch.
	Governed bool `yaml:"governed"`
	// Connectors lists connectors touched besides step connectors.
	Connectors []string `yaml:"connectors"`
	// Limits guards parameters and request rate.
	Limits *LimitsConfig `yaml:"limits"`
	// Steps builds the execution plan.
	Steps []StepConfig `yaml:"steps"`
}

// LimitsConfig guards one intent.
type LimitsConfig struct {
	// RatePerMinute limits evaluations per operator.
	RatePerMinute int `yaml:"rate_per_minute"`
	// Fields validates action parameters.
	Fields map[string]FieldPolicy `yaml:"fields"`
}

// FieldPolicy defines validation rules for an action parameter.
type FieldPolicy struct {
	// Required rejects a missing or empty value.
	Required bool `yaml:"required"`
	// Regex validates string value format.
	Regex string `yaml:"regex"`
	// Min sets numeric minimum.
	Min *float64 `yaml:"min"`
	// Max sets numeric maximum.
	Max *float64 `yaml:"max"`
	// MinLength sets string minimum length.
	MinLength *int `yaml:"min_length"`
	// MaxLength sets string maximum length.
	MaxLength *int `yaml:"max_length"`
}

// StepConfig declares one plan step.
type StepConfig struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	Connector   string `yaml:"connector"`
	// Requires lists parameters that must be present for the step to be ready.
	Requires []string `yaml:"requires"`
	// Payload values may use {{ arg "name" }}.
	Payload map[string]any `yaml:"payload"`
}

// EngineConfig tunes the engine.
type EngineConfig struct {
	// AutoDispatch dispatches as soon as the chain completes.
	AutoDispatch bool `yaml:"auto_dispatch"`
	// ApprovalTTL is the approval lifetime.
	ApprovalTTL string `yaml:"approval_ttl"`
	// SweepInterval is the expiry sweep period.
	SweepInterval string `yaml:"sweep_interval"`
	// ResultTTL keeps ungoverned results for request id replays.
	ResultTTL string `yaml:"result_ttl"`
	// Retry is the default dispatch retry policy.
	Retry RetryConfig `yaml:"retry"`
}
