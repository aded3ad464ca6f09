// Package mcpserver exposes the governance engine as MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codex-k8s/governance-plane/internal/approval"
	"github.com/codex-k8s/governance-plane/internal/chain"
	"github.com/codex-k8s/governance-plane/internal/engine"
	"github.com/codex-k8s/governance-plane/internal/plan"
	"github.com/codex-k8s/governance-plane/internal/protocol"
)

// Tool names.
const (
	ToolEvaluateAction   = "evaluate_action"
	ToolListIntents      = "list_intents"
	ToolListApprovals    = "list_approvals"
	ToolGetApproval      = "get_approval"
	ToolGetChainProgress = "get_chain_progress"
	ToolDecideChainStep  = "decide_chain_step"
	ToolDecideApproval   = "decide_approval"
	ToolDispatchApproval = "dispatch_approval"
)

// IntentsURI is the resource listing configured intents.
const IntentsURI = "governance://intents"

// Error decisions reported when a call fails before reaching the engine outcome.
const (
	DecisionInvalidRequest = "invalid_request"
	DecisionNotFound       = "not_found"
	DecisionNotApplicable  = "not_applicable"
	DecisionError          = "error"
)

// Governance is the engine surface used by the tools.
type Governance interface {
	Intents() []plan.IntentSpec
	Evaluate(ctx context.Context, req engine.ActionRequest) (engine.Evaluation, error)
	DecideStep(ctx context.Context, d engine.StepDecision) (engine.StepOutcome, error)
	DecideApproval(ctx context.Context, d engine.ApprovalDecision) (engine.ApprovalOutcome, error)
	Dispatch(ctx context.Context, req engine.DispatchRequest) (engine.DispatchOutcome, error)
	GetApproval(ctx context.Context, id string) (engine.ApprovalView, error)
	ListApprovals(ctx context.Context, filter approval.Filter) (approval.Page, error)
	ChainProgress(ctx context.Context, approvalID string) (chain.Progress, error)
	ChainSummary(ctx context.Context, approvalID string) (chain.Summary, error)
}

// Builder constructs the MCP server.
type Builder struct {
	// Name is the MCP implementation name.
	Name string
	// Version is the MCP implementation version.
	Version string
	// Engine answers tool calls.
	Engine Governance
	// Logger is used for structured logging.
	Logger *slog.Logger
}

// Build creates an MCP server with the governance tools and resources.
func (b Builder) Build() *mcp.Server {
	if b.Logger == nil {
		b.Logger = slog.New(slog.DiscardHandler)
	}
	server := mcp.NewServer(&mcp.Implementation{Name: b.Name, Version: b.Version}, nil)

	server.AddResource(&mcp.Resource{
		Name:        "intents",
		URI:         IntentsURI,
		Description: "Configured intents and whether they require approval",
		MIMEType:    "application/json",
	}, func(_ context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		data, err := json.Marshal(intentViews(b.Engine.Intents()))
		if err != nil {
			return nil, err
		}
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{{URI: IntentsURI, MIMEType: "application/json", Text: string(data)}},
		}, nil
	})

	b.addTools(server)
	return server
}

// failure converts an engine error into the response envelope.
func (b Builder) failure(tool, correlationID string, err error) protocol.ToolResponse {
	resp := protocol.ToolResponse{Status: protocol.StatusError, Reason: err.Error(), CorrelationID: correlationID}
	switch {
	case errors.Is(err, engine.ErrInvalidRequest),
		errors.Is(err, approval.ErrInvalidStatus),
		errors.Is(err, chain.ErrInvalidStatus):
		resp.Decision = DecisionInvalidRequest
	case errors.Is(err, approval.ErrNotFound),
		errors.Is(err, chain.ErrNotFound),
		errors.Is(err, engine.ErrUnknownIntent):
		resp.Decision = DecisionNotFound
	case errors.Is(err, approval.ErrNotApplicable),
		errors.Is(err, chain.ErrNotApplicable):
		resp.Decision = DecisionNotApplicable
	default:
		resp.Decision = DecisionError
		b.Logger.Error("tool failed", "tool", tool, "correlation_id", correlationID, "error", err)
		return resp
	}
	b.Logger.Info("tool rejected", "tool", tool, "correlation_id", correlationID, "decision", resp.Decision, "reason", resp.Reason)
	return resp
}

func intentViews(specs []plan.IntentSpec) []IntentView {
	out := make([]IntentView, 0, len(specs))
	for _, spec := range specs {
		view := IntentView{
			Name:        spec.Name,
			Description: spec.Description,
			Governed:    spec.Governed,
			Connectors:  spec.TouchedConnectors(),
			Steps:       make([]string, 0, len(spec.Steps)),
		}
		for _, step := range spec.Steps {
			view.Steps = append(view.Steps, step.ID)
		}
		out = append(out, view)
	}
	return out
}
