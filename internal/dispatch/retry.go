package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Retry defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 200 * time.Millisecond
)

// RetryEvent describes a failed attempt that will be retried.
type RetryEvent struct {
	StepID    string
	Connector string
	Attempt   int
	Delay     time.Duration
	Err       error
}

// RetryPolicy controls DispatchWithRetry.
type RetryPolicy struct {
	// MaxAttempts bounds the total number of attempts.
	MaxAttempts int
	// BaseDelay is doubled after every failed attempt.
	BaseDelay time.Duration
	// OnRetry is called before each retry sleep.
	OnRetry func(RetryEvent)
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	return p
}

// Delay returns the backoff before attempt+1: BaseDelay * 2^(attempt-1).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// DispatchWithRetry calls d until it succeeds, returns a permanent error, or
// the attempt budget runs out. It returns the output, the number of attempts
// made and the last error.
func DispatchWithRetry(ctx context.Context, d Dispatcher, req Request, policy RetryPolicy) (string, int, error) {
	policy = policy.normalized()
	var (
		output string
		err    error
	)
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		req.Attempt = attempt
		output, err = safeDispatch(ctx, d, req)
		if err == nil {
			return output, attempt, nil
		}
		if !IsTransient(err) || attempt == policy.MaxAttempts {
			return output, attempt, err
		}
		delay := policy.Delay(attempt)
		if policy.OnRetry != nil {
			policy.OnRetry(RetryEvent{StepID: req.Step.ID, Connector: req.Step.Connector, Attempt: attempt, Delay: delay, Err: err})
		}
		if err := sleep(ctx, delay); err != nil {
			return output, attempt, fmt.Errorf("retry interrupted: %w", err)
		}
	}
	return output, policy.MaxAttempts, err
}

func safeDispatch(ctx context.Context, d Dispatcher, req Request) (output string, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			output = ""
			err = &PanicError{Value: recovered}
		}
	}()
	return d.Dispatch(ctx, req)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Timeout wraps a dispatcher with a per-attempt deadline.
type Timeout struct {
	// Inner is the wrapped dispatcher.
	Inner Dispatcher
	// Timeout is the maximum duration of one attempt.
	Timeout time.Duration
}

// Dispatch executes the inner dispatcher with timeout.
func (t Timeout) Dispatch(ctx context.Context, req Request) (string, error) {
	if t.Inner == nil {
		return "", errors.New("timeout dispatcher has no inner dispatcher")
	}
	if t.Timeout <= 0 {
		return t.Inner.Dispatch(ctx, req)
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()
	output, err := t.Inner.Dispatch(ctxTimeout, req)
	if err != nil && errors.Is(ctxTimeout.Err(), context.DeadlineExceeded) {
		return output, fmt.Errorf("dispatch timed out after %s: %w", t.Timeout, context.DeadlineExceeded)
	}
	return output, err
}
