package protocol

// Connector and callback statuses.
const (
	StatusSuccess = "success"
	StatusDenied  = "denied"
	StatusError   = "error"
	StatusPending = "pending"
)

// ToolResponse is the fixed JSON envelope returned to MCP clients.
type ToolResponse struct {
	// Status is success, denied or error.
	Status string `json:"status"`
	// Decision is the engine decision or the resulting approval status.
	Decision string `json:"decision,omitempty"`
	// Reason is a human-readable message.
	Reason string `json:"reason,omitempty"`
	// CorrelationID links related requests.
	CorrelationID string `json:"correlation_id,omitempty"`
	// Data carries the operation result.
	Data any `json:"data,omitempty"`
}

// ConnectorRequest is the body POSTed to HTTP connectors.
type ConnectorRequest struct {
	// CorrelationID identifies this step dispatch; async callbacks echo it.
	CorrelationID string `json:"correlation_id"`
	// StepID is the plan step id.
	StepID string `json:"step_id"`
	// Connector is the connector name.
	Connector string `json:"connector"`
	// ApprovalID is empty for ungoverned intents.
	ApprovalID string `json:"approval_id,omitempty"`
	// RequestID is the originating action request id.
	RequestID string `json:"request_id"`
	// Intent is the action intent.
	Intent string `json:"intent"`
	// Attempt is the 1-based dispatch attempt.
	Attempt int `json:"attempt"`
	// Payload is the connector-specific body.
	Payload map[string]any `json:"payload,omitempty"`
	// TimeoutSec is the remaining time budget.
	TimeoutSec int `json:"timeout_sec,omitempty"`
	// Callback is set for async connectors.
	Callback *ConnectorCallbackTarget `json:"callback,omitempty"`
}

// ConnectorCallbackTarget tells an async connector where to report.
type ConnectorCallbackTarget struct {
	URL string `json:"url"`
}

// ConnectorResponse is the JSON body HTTP connectors reply with.
type ConnectorResponse struct {
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
}

// ConnectorCallback is posted by async connectors once a step finishes.
type ConnectorCallback struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	Result        any    `json:"result,omitempty"`
}
