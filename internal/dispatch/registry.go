package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrDuplicateDispatcher is returned when a connector name is registered twice.
var ErrDuplicateDispatcher = errors.New("dispatcher already registered")

// Resolver looks up dispatchers by connector name.
type Resolver interface {
	Lookup(connector string) (Dispatcher, bool)
}

// PolicyResolver is implemented by resolvers that carry per-connector retry policies.
type PolicyResolver interface {
	RetryPolicy(connector string) (RetryPolicy, bool)
}

type entry struct {
	dispatcher Dispatcher
	policy     *RetryPolicy
}

// Option customizes a registration.
type Option func(*entry)

// WithRetry sets the retry policy used for one connector.
func WithRetry(policy RetryPolicy) Option {
	return func(e *entry) {
		e.policy = &policy
	}
}

// Registry maps connector names to dispatchers. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	dispatchers map[string]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{dispatchers: make(map[string]entry)}
}

// Register binds a dispatcher to a connector name.
func (r *Registry) Register(connector string, d Dispatcher, opts ...Option) error {
	name := normalizeName(connector)
	if name == "" {
		return errors.New("connector name is required")
	}
	if d == nil {
		return fmt.Errorf("dispatcher for %s is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.dispatchers[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDispatcher, name)
	}
	e := entry{dispatcher: d}
	for _, opt := range opts {
		opt(&e)
	}
	r.dispatchers[name] = e
	return nil
}

// Lookup returns the dispatcher bound to connector.
func (r *Registry) Lookup(connector string) (Dispatcher, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.dispatchers[normalizeName(connector)]
	return e.dispatcher, ok
}

// RetryPolicy returns the connector's own retry policy, if one was registered.
func (r *Registry) RetryPolicy(connector string) (RetryPolicy, bool) {
	if r == nil {
		return RetryPolicy{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.dispatchers[normalizeName(connector)]
	if !ok || e.policy == nil {
		return RetryPolicy{}, false
	}
	return *e.policy, true
}

// Names returns registered connector names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.dispatchers))
	for name := range r.dispatchers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Missing returns connectors from names that have no dispatcher.
func (r *Registry) Missing(names []string) []string {
	var out []string
	for _, name := range names {
		if _, ok := r.Lookup(name); !ok {
			out = append(out, name)
		}
	}
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
