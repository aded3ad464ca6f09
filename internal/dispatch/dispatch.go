package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/codex-k8s/governance-plane/internal/plan"
)

// Context carries the approval-level fields every step dispatch needs.
type Context struct {
	ApprovalID     string `json:"approval_id,omitempty"`
	RequestID      string `json:"request_id"`
	Intent         string `json:"intent"`
	OperatorID     string `json:"operator_id"`
	WorkspaceID    string `json:"workspace_id"`
	MunicipalityID string `json:"municipality_id,omitempty"`
	PlanDigest     string `json:"plan_digest,omitempty"`
}

// Request is the input for one dispatch attempt.
type Request struct {
	// Step is the plan step to execute.
	Step plan.Step
	// Context is the approval context.
	Context Context
	// CorrelationID links the attempt to callbacks and logs.
	CorrelationID string
	// Attempt is the 1-based attempt number.
	Attempt int
}

// Dispatcher executes plan steps against one connector.
type Dispatcher interface {
	// Dispatch runs the step and returns a short result message.
	Dispatch(ctx context.Context, req Request) (string, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, req Request) (string, error)

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// StatusError is a non-2xx connector response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("connector status %d", e.StatusCode)
	}
	return fmt.Sprintf("connector status %d: %s", e.StatusCode, e.Body)
}

// PanicError wraps a value recovered from a dispatcher panic.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("dispatcher panic: %v", e.Value)
}

var transientPatterns = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"temporary failure",
	"unexpected eof",
	"service unavailable",
}

// IsTransient reports whether err is worth retrying: a 5xx response or a
// network/timeout failure. Everything else is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	message := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(message, pattern) {
			return true
		}
	}
	return false
}
