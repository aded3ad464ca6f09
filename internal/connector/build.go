package connector

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codex-k8s/governance-plane/internal/constants"
	"github.com/codex-k8s/governance-plane/internal/dispatch"
)

// Spec declares one connector.
type Spec struct {
	Name    string
	Type    string
	URL     string
	Method  string
	Headers map[string]string
	Secret  string
	Async   bool
	Timeout time.Duration
	Command string
	Args    []string
	Env     map[string]string
	// Retry overrides the default retry policy when set.
	Retry *dispatch.RetryPolicy
}

// Deps are shared by the built connectors.
type Deps struct {
	Logger      *slog.Logger
	Pending     *PendingStore
	CallbackURL string
}

// DefaultAsyncTimeout bounds an async http dispatch that declares no timeout.
const DefaultAsyncTimeout = 15 * time.Minute

// Build returns the dispatcher for spec, wrapped with its timeout. Async http
// connectors always get one since their callback may never arrive.
func Build(spec Spec, deps Deps) (dispatch.Dispatcher, error) {
	var d dispatch.Dispatcher
	switch strings.ToLower(strings.TrimSpace(spec.Type)) {
	case constants.ConnectorHTTP:
		d = HTTP{
			URL:         spec.URL,
			Method:      spec.Method,
			Headers:     spec.Headers,
			Secret:      spec.Secret,
			Timeout:     spec.Timeout,
			Async:       spec.Async,
			CallbackURL: deps.CallbackURL,
			Pending:     deps.Pending,
		}
	case constants.ConnectorShell:
		if strings.TrimSpace(spec.Command) == "" {
			return nil, fmt.Errorf("connector %s: command is required", spec.Name)
		}
		d = Shell{Command: spec.Command, Args: spec.Args, Env: spec.Env}
	case constants.ConnectorLog:
		d = Log{Logger: deps.Logger, Level: slog.LevelInfo}
	default:
		return nil, fmt.Errorf("connector %s: unsupported type %q", spec.Name, spec.Type)
	}
	timeout := spec.Timeout
	if spec.Async && timeout <= 0 {
		if _, ok := d.(HTTP); ok {
			timeout = DefaultAsyncTimeout
		}
	}
	if timeout > 0 {
		d = dispatch.Timeout{Inner: d, Timeout: timeout}
	}
	return d, nil
}

// RegisterAll builds every spec and registers it.
func RegisterAll(registry *dispatch.Registry, specs []Spec, deps Deps) error {
	for _, spec := range specs {
		d, err := Build(spec, deps)
		if err != nil {
			return err
		}
		var opts []dispatch.Option
		if spec.Retry != nil {
			opts = append(opts, dispatch.WithRetry(*spec.Retry))
		}
		if err := registry.Register(spec.Name, d, opts...); err != nil {
			return err
		}
	}
	return nil
}
