// Package limits guards action parameters and request rates per intent before
// authorization runs.
package limits

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/codex-k8s/governance-plane/internal/cache"
	"github.com/codex-k8s/governance-plane/internal/maputil"
	"github.com/codex-k8s/governance-plane/internal/templates"
)

// Denial reasons.
const (
	ReasonRateLimited       = "rate_limited"
	ReasonInvalidParameters = "invalid_parameters"
)

// Policy limits one intent.
type Policy struct {
	// RatePerMinute limits evaluations per operator; zero disables the limit.
	RatePerMinute int
	// Fields validates action parameters.
	Fields map[string]FieldPolicy
}

// FieldPolicy describes validation rules for a single parameter.
type FieldPolicy struct {
	Required  bool
	Regex     string
	Min       *float64
	Max       *float64
	MinLength *int
	MaxLength *int
}

// Limiters idle longer than limiterTTL have refilled and are dropped; at most
// maxLimiters intent/operator pairs are tracked.
const (
	limiterTTL  = 10 * time.Minute
	maxLimiters = 10000
)

// Verdict is the guard outcome.
type Verdict struct {
	Allowed bool
	Reason  string
	Message string
}

// Guard enforces per-intent policies. It is safe for concurrent use.
type Guard struct {
	mu       sync.Mutex
	policies map[string]Policy
	compiled map[string]*regexp.Regexp
	limiters *cache.Cache[*rate.Limiter]
	renderer templates.Renderer
	now      func() time.Time
}

// New compiles regex rules and returns a guard.
func New(policies map[string]Policy, renderer templates.Renderer) (*Guard, error) {
	g := &Guard{
		policies: make(map[string]Policy, len(policies)),
		compiled: map[string]*regexp.Regexp{},
		limiters: cache.New[*rate.Limiter](limiterTTL, maxLimiters),
		renderer: renderer,
		now:      time.Now,
	}
	for intent, policy := range policies {
		intent = strings.ToLower(strings.TrimSpace(intent))
		g.policies[intent] = policy
		for field, fp := range policy.Fields {
			if fp.Regex == "" {
				continue
			}
			re, err := regexp.Compile(fp.Regex)
			if err != nil {
				return nil, fmt.Errorf("intent %s: invalid regex for field %s: %w", intent, field, err)
			}
			g.compiled[intent+"/"+field] = re
		}
	}
	return g, nil
}

// Check validates params and consumes one rate token for operator.
func (g *Guard) Check(intent, operatorID string, params map[string]any) Verdict {
	if g == nil {
		return Verdict{Allowed: true}
	}
	intent = strings.ToLower(strings.TrimSpace(intent))
	policy, ok := g.policies[intent]
	if !ok {
		return Verdict{Allowed: true}
	}
	if msg := g.checkFields(intent, policy, params); msg != "" {
		return Verdict{Reason: ReasonInvalidParameters, Message: msg}
	}
	if policy.RatePerMinute > 0 && !g.limiter(intent, operatorID, policy.RatePerMinute).AllowN(g.now(), 1) {
		return Verdict{Reason: ReasonRateLimited, Message: g.render("limits.rate_limit", map[string]any{"Intent": intent}, "Rate limit exceeded")}
	}
	return Verdict{Allowed: true}
}

func (g *Guard) limiter(intent, operatorID string, perMinute int) *rate.Limiter {
	key := intent + "/" + operatorID
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.limiters.Get(key); ok {
		return l
	}
	l := rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	g.limiters.Set(key, l)
	return l
}

func (g *Guard) checkFields(intent string, policy Policy, params map[string]any) string {
	for _, field := range maputil.SortedKeys(policy.Fields) {
		fp := policy.Fields[field]
		value, ok := params[field]
		if !ok || value == nil {
			if fp.Required {
				return g.render("limits.field_required", map[string]any{"Field": field}, "Field "+field+" is required")
			}
			continue
		}

		switch v := value.(type) {
		case string:
			if fp.Required && strings.TrimSpace(v) == "" {
				return g.render("limits.field_required", map[string]any{"Field": field}, "Field "+field+" is required")
			}
			if fp.MinLength != nil && len(v) < *fp.MinLength {
				return g.render("limits.field_min_length", map[string]any{"Field": field, "MinLength": *fp.MinLength}, "Field "+field+" is too short")
			}
			if fp.MaxLength != nil && len(v) > *fp.MaxLength {
				return g.render("limits.field_max_length", map[string]any{"Field": field, "MaxLength": *fp.MaxLength}, "Field "+field+" is too long")
			}
			if re := g.compiled[intent+"/"+field]; re != nil && !re.MatchString(v) {
				return g.render("limits.field_regex", map[string]any{"Field": field}, "Field "+field+" does not match required format")
			}
		default:
			number, isNumber := toFloat(v)
			if !isNumber {
				continue
			}
			if fp.Min != nil && number < *fp.Min {
				return g.render("limits.field_min", map[string]any{"Field": field, "Min": *fp.Min}, "Field "+field+" is below minimum value")
			}
			if fp.Max != nil && number > *fp.Max {
				return g.render("limits.field_max", map[string]any{"Field": field, "Max": *fp.Max}, "Field "+field+" is above maximum value")
			}
		}
	}
	return ""
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		return 0, false
	}
}

func (g *Guard) render(key string, data map[string]any, fallback string) string {
	return templates.Text(g.renderer, key, data, fallback)
}
