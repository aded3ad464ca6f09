package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/codex-k8s/governance-plane/internal/audit"
	"github.com/codex-k8s/governance-plane/internal/authz"
	"github.com/codex-k8s/governance-plane/internal/cache"
	"github.com/codex-k8s/governance-plane/internal/chain"
	"github.com/codex-k8s/governance-plane/internal/dispatch"
	"github.com/codex-k8s/governance-plane/internal/security"
)

// Remote authority endpoints.
const (
	PathAuthorize      = "/v1/authorize"
	PathChainTemplates = "/v1/chain-templates"
	PathAuditEvents    = "/v1/audit-events"
	PathManifests      = "/v1/manifests"
	PathReleases       = "/v1/releases:authorize"
	PathDrift          = "/v1/drift:classify"
)

// RemoteConfig configures the remote authority client.
type RemoteConfig struct {
	// URL is the authority base URL.
	URL string
	// Headers adds HTTP headers, e.g. authorization.
	Headers map[string]string
	// Timeout bounds one attempt.
	Timeout time.Duration
	// MaxAttempts bounds attempts on network errors and 5xx responses.
	MaxAttempts int
	// BaseDelay is the first retry delay; it doubles per attempt.
	BaseDelay time.Duration
	// RatePerSecond limits outgoing requests; zero disables the limit.
	RatePerSecond float64
	// Burst is the limiter burst size.
	Burst int
	// TemplateTTL is how long chain templates are cached.
	TemplateTTL time.Duration
	// TemplateCacheSize bounds the template cache.
	TemplateCacheSize int
}

// Remote asks an external authority service. Every failure to get a positive
// answer is a denial.
type Remote struct {
	cfg       RemoteConfig
	base      *url.URL
	client    *http.Client
	limiter   *rate.Limiter
	retry     dispatch.RetryPolicy
	templates *cache.Cache[chain.Template]
	logger    *slog.Logger
}

// NewRemote validates cfg and builds the client.
func NewRemote(cfg RemoteConfig, logger *slog.Logger) (*Remote, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.URL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid policy authority url %q", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	r := &Remote{
		cfg:       cfg,
		base:      base,
		client:    &http.Client{},
		retry:     dispatch.RetryPolicy{MaxAttempts: cfg.MaxAttempts, BaseDelay: cfg.BaseDelay},
		templates: cache.New[chain.Template](cfg.TemplateTTL, cfg.TemplateCacheSize),
		logger:    logger,
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return r, nil
}

// CheckAuthorization asks the authority. Unreachable or malformed answers deny.
func (r *Remote) CheckAuthorization(ctx context.Context, req authz.Request) authz.Result {
	if req.At.IsZero() {
		req.At = time.Now().UTC()
	}
	var result authz.Result
	if err := r.call(ctx, http.MethodPost, PathAuthorize, nil, req, &result); err != nil {
		return r.denied(req, err)
	}
	if result.Reason == "" {
		result.Allowed = false
		result.Reason = authz.ReasonInsufficientPermissions
	}
	if result.Trace.Outcome == "" {
		result.Trace.Outcome = result.Reason
	}
	if result.Trace.EvaluatedAt.IsZero() {
		result.Trace.EvaluatedAt = req.At
	}
	return result
}

func (r *Remote) denied(req authz.Request, err error) authz.Result {
	r.warn("policy authority denied by failure", "intent", req.Intent, "operator_id", req.OperatorID, "error", err)
	return authz.Result{
		Allowed: false,
		Reason:  authz.ReasonAuthorityUnavailable,
		Trace: authz.Trace{
			Intent:       req.Intent,
			ApprovalRole: req.ApprovalRole,
			Outcome:      authz.ReasonAuthorityUnavailable,
			Note:         err.Error(),
			EvaluatedAt:  req.At,
		},
	}
}

// GetChainTemplate fetches and caches the routed template.
func (r *Remote) GetChainTemplate(ctx context.Context, intent, municipality string) (chain.Template, error) {
	key := RouteKey(intent, municipality)
	if tpl, ok := r.templates.Get(key); ok {
		return tpl, nil
	}
	query := url.Values{"intent": {intent}}
	if municipality != "" {
		query.Set("municipality", municipality)
	}
	var tpl chain.Template
	if err := r.call(ctx, http.MethodGet, PathChainTemplates, query, nil, &tpl); err != nil {
		return chain.Template{}, fmt.Errorf("chain template %s: %w", key, err)
	}
	if err := tpl.Validate(); err != nil {
		return chain.Template{}, fmt.Errorf("chain template %s: %w", key, err)
	}
	r.templates.Set(key, tpl)
	return tpl, nil
}

// WriteAuditEvent posts the event. The authority deduplicates on event id.
func (r *Remote) WriteAuditEvent(ctx context.Context, event audit.Event) error {
	event.Details = security.RedactArguments(event.Details)
	if err := r.call(ctx, http.MethodPost, PathAuditEvents, nil, event, nil); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// RegisterManifest asks the authority to accept a plan.
func (r *Remote) RegisterManifest(ctx context.Context, manifest Manifest) HookDecision {
	return r.hook(ctx, PathManifests, manifest)
}

// AuthorizeRelease asks the authority to release an approved plan.
func (r *Remote) AuthorizeRelease(ctx context.Context, release Release) HookDecision {
	return r.hook(ctx, PathReleases, release)
}

// ClassifyDrift reports the dispatch outcome; failures classify as unknown.
func (r *Remote) ClassifyDrift(ctx context.Context, report DriftReport) DriftClassification {
	var out DriftClassification
	if err := r.call(ctx, http.MethodPost, PathDrift, nil, report, &out); err != nil {
		r.warn("drift classification failed", "approval_id", report.ApprovalID, "error", err)
		return DriftClassification{Class: DriftUnknown, Reason: err.Error()}
	}
	if out.Class == "" {
		out.Class = DriftUnknown
	}
	return out
}

func (r *Remote) hook(ctx context.Context, path string, body any) HookDecision {
	var out HookDecision
	if err := r.call(ctx, http.MethodPost, path, nil, body, &out); err != nil {
		r.warn("policy hook rejected by failure", "path", path, "error", err)
		return HookDecision{Accepted: false, Reason: authz.ReasonAuthorityUnavailable}
	}
	if !out.Accepted && out.Reason == "" {
		out.Reason = "rejected"
	}
	return out
}

// call performs one logical request with rate limiting, per-attempt timeout
// and retry on transient failures.
func (r *Remote) call(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body []byte
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = data
	}
	target := *r.base
	target.Path += path
	target.RawQuery = query.Encode()

	var lastErr error
	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		lastErr = r.attempt(ctx, method, target.String(), body, out)
		if lastErr == nil {
			return nil
		}
		if !dispatch.IsTransient(lastErr) {
			return lastErr
		}
		if attempt == r.retry.MaxAttempts {
			break
		}
		delay := r.retry.Delay(attempt)
		r.warn("policy authority retry", "path", path, "attempt", attempt, "delay", delay.String(), "error", lastErr)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrAuthorityUnavailable, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w: %v", ErrAuthorityUnavailable, lastErr)
}

func (r *Remote) attempt(ctx context.Context, method, target string, body []byte, out any) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for key, value := range r.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("policy authority request failed: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &dispatch.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return errors.New("empty policy authority response")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid policy authority response: %w", err)
	}
	return nil
}

func (r *Remote) warn(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Warn(msg, args...)
	}
}
