package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/codex-k8s/governance-plane/internal/constants"
	"github.com/codex-k8s/governance-plane/internal/dispatch"
	"github.com/codex-k8s/governance-plane/internal/protocol"
	"github.com/codex-k8s/governance-plane/internal/security"
)

// HTTP dispatches plan steps to an external HTTP connector.
type HTTP struct {
	// URL is the connector endpoint.
	URL string
	// Method overrides the HTTP method.
	Method string
	// Headers adds HTTP headers.
	Headers map[string]string
	// Secret enables the X-Signature HMAC header.
	Secret string
	// Timeout is the HTTP client timeout.
	Timeout time.Duration
	// Async enables callback-based completion.
	Async bool
	// CallbackURL is the control-plane callback endpoint.
	CallbackURL string
	// Pending stores async dispatches awaiting a callback.
	Pending *PendingStore
	// Client overrides the HTTP client.
	Client *http.Client
}

// Dispatch sends the step to the connector and parses the result.
func (h HTTP) Dispatch(ctx context.Context, req dispatch.Request) (string, error) {
	if strings.TrimSpace(h.URL) == "" {
		return "", errors.New("connector url is empty")
	}
	if h.Async {
		if strings.TrimSpace(h.CallbackURL) == "" {
			return "", errors.New("connector callback url is empty")
		}
		if h.Pending == nil {
			return "", errors.New("connector async store is not configured")
		}
	}

	timeoutSec := 0
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			timeoutSec = max(int(remaining.Seconds()), 1)
		}
	}

	payload := protocol.ConnectorRequest{
		CorrelationID: req.CorrelationID,
		StepID:        req.Step.ID,
		Connector:     req.Step.Connector,
		ApprovalID:    req.Context.ApprovalID,
		RequestID:     req.Context.RequestID,
		Intent:        req.Context.Intent,
		Attempt:       req.Attempt,
		Payload:       req.Step.Payload,
		TimeoutSec:    timeoutSec,
	}
	if h.Async {
		payload.Callback = &protocol.ConnectorCallbackTarget{URL: h.CallbackURL}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	method := strings.ToUpper(strings.TrimSpace(h.Method))
	if method == "" {
		method = http.MethodPost
	}
	request, err := http.NewRequestWithContext(ctx, method, h.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range h.Headers {
		request.Header.Set(key, value)
	}
	if h.Secret != "" {
		request.Header.Set(constants.HeaderSignature, security.Sign(h.Secret, body))
	}

	var pendingCh <-chan asyncResult
	if h.Async {
		ch, err := h.Pending.Register(req.CorrelationID)
		if err != nil {
			return "", err
		}
		pendingCh = ch
		defer h.Pending.Cancel(req.CorrelationID)
	}

	resp, err := h.client().Do(request)
	if err != nil {
		return "", fmt.Errorf("connector request failed: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	trimmed := strings.TrimSpace(string(data))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &dispatch.StatusError{StatusCode: resp.StatusCode, Body: trimmed}
	}
	if h.Async && resp.StatusCode == http.StatusAccepted && trimmed == "" {
		return h.awaitResult(ctx, pendingCh)
	}

	var parsed protocol.ConnectorResponse
	if err := json.Unmarshal(data, &parsed); err == nil && strings.TrimSpace(parsed.Status) != "" {
		result := stringifyResult(parsed.Result)
		switch strings.ToLower(strings.TrimSpace(parsed.Status)) {
		case protocol.StatusSuccess:
			if result == "" {
				return "ok", nil
			}
			return result, nil
		case protocol.StatusError:
			if result == "" {
				result = "connector error"
			}
			return "", errors.New(result)
		case protocol.StatusPending:
			if h.Async {
				return h.awaitResult(ctx, pendingCh)
			}
			return "", errors.New("connector returned pending status")
		default:
			return "", fmt.Errorf("unknown connector status: %s", parsed.Status)
		}
	}

	if h.Async && resp.StatusCode == http.StatusAccepted {
		return h.awaitResult(ctx, pendingCh)
	}
	return trimmed, nil
}

func (h HTTP) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func (h HTTP) awaitResult(ctx context.Context, pendingCh <-chan asyncResult) (string, error) {
	if pendingCh == nil {
		return "", errors.New("missing pending dispatch channel")
	}
	select {
	case result, ok := <-pendingCh:
		if !ok {
			return "", errors.New("connector callback channel closed")
		}
		if result.status == protocol.StatusSuccess {
			return result.result, nil
		}
		if strings.TrimSpace(result.result) == "" {
			return "", errors.New("connector error")
		}
		return "", errors.New(result.result)
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for connector callback: %w", ctx.Err())
	}
}

func stringifyResult(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(typed)
	default:
		data, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprintf("%v", typed)
		}
		return strings.TrimSpace(string(data))
	}
}
