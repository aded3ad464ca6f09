package connector

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/codex-k8s/governance-plane/internal/constants"
	"github.com/codex-k8s/governance-plane/internal/maputil"
	"github.com/codex-k8s/governance-plane/internal/protocol"
	"github.com/codex-k8s/governance-plane/internal/security"
)

var errDispatchAlreadyPending = errors.New("dispatch already pending")

type asyncResult struct {
	status string
	result string
}

// PendingStore keeps async dispatches until their callback arrives.
type PendingStore struct {
	mu      sync.Mutex
	pending map[string]chan asyncResult
}

// NewPendingStore creates an empty store.
func NewPendingStore() *PendingStore {
	return &PendingStore{pending: make(map[string]chan asyncResult)}
}

// Register allocates a pending slot for correlationID.
func (s *PendingStore) Register(correlationID string) (<-chan asyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pending[correlationID]; exists {
		return nil, errDispatchAlreadyPending
	}
	ch := make(chan asyncResult, 1)
	s.pending[correlationID] = ch
	return ch, nil
}

// Resolve delivers the callback result for correlationID.
func (s *PendingStore) Resolve(correlationID, status, result string) bool {
	ch, ok := maputil.Pop(&s.mu, s.pending, correlationID)
	if !ok {
		return false
	}
	ch <- asyncResult{status: status, result: result}
	close(ch)
	return true
}

// Cancel drops a pending dispatch without a result.
func (s *PendingStore) Cancel(correlationID string) {
	if ch, ok := maputil.Pop(&s.mu, s.pending, correlationID); ok {
		close(ch)
	}
}

// Len returns the number of dispatches awaiting a callback.
func (s *PendingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// CallbackHandler receives async connector results.
type CallbackHandler struct {
	Store *PendingStore
	// Secret, when set, requires a valid X-Signature header.
	Secret string
	Logger *slog.Logger
}

// ServeHTTP processes callbacks from async connectors.
func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.Store == nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if h.Secret != "" && !security.Verify(h.Secret, body, r.Header.Get(constants.HeaderSignature)) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var payload protocol.ConnectorCallback
	if err := json.Unmarshal(body, &payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	correlationID := strings.TrimSpace(payload.CorrelationID)
	status := strings.ToLower(strings.TrimSpace(payload.Status))
	if correlationID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	switch status {
	case protocol.StatusSuccess, protocol.StatusError:
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	result := stringifyResult(payload.Result)
	if status == protocol.StatusSuccess && result == "" {
		result = "ok"
	}
	if !h.Store.Resolve(correlationID, status, result) {
		if h.Logger != nil {
			h.Logger.Warn("connector callback not found", "correlation_id", correlationID)
		}
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}
