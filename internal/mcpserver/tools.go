package mcpserver

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codex-k8s/governance-plane/internal/authz"
	"github.com/codex-k8s/governance-plane/internal/engine"
	"github.com/codex-k8s/governance-plane/internal/protocol"
	"github.com/codex-k8s/governance-plane/internal/security"
)

func readOnly() *mcp.ToolAnnotations {
	return &mcp.ToolAnnotations{ReadOnlyHint: true}
}

func (b Builder) addTools(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolListIntents,
		Title:       "List intents",
		Description: "Lists the intents operators may request and whether each requires approval.",
		Annotations: readOnly(),
	}, func(_ context.Context, _ *mcp.CallToolRequest, _ ListIntentsInput) (*mcp.CallToolResult, protocol.ToolResponse, error) {
		return nil, protocol.ToolResponse{Status: protocol.StatusSuccess, Data: intentViews(b.Engine.Intents())}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolEvaluateAction,
		Title:       "Evaluate action",
		Description: "Authorizes an operator action. Ungoverned intents are executed immediately; governed intents create an approval with its chain. Repeating a request id returns the first outcome.",
	}, b.evaluate)

	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolListApprovals,
		Title:       "List approvals",
		Description: "Lists approvals newest first, optionally filtered by status, operator and workspace.",
		Annotations: readOnly(),
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in ListApprovalsInput) (*mcp.CallToolResult, protocol.ToolResponse, error) {
		page, err := b.Engine.ListApprovals(ctx, in.filter())
		if err != nil {
			return nil, b.failure(ToolListApprovals, "", err), nil
		}
		return nil, protocol.ToolResponse{Status: protocol.StatusSuccess, Data: page}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolGetApproval,
		Title:       "Get approval",
		Description: "Returns an approval with its plan and chain summary.",
		Annotations: readOnly(),
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in ApprovalInput) (*mcp.CallToolResult, protocol.ToolResponse, error) {
		view, err := b.Engine.GetApproval(ctx, in.ApprovalID)
		if err != nil {
			return nil, b.failure(ToolGetApproval, in.ApprovalID, err), nil
		}
		return nil, protocol.ToolResponse{
			Status:        protocol.StatusSuccess,
			Decision:      string(view.Approval.Status),
			CorrelationID: view.Approval.RequestID,
			Data:          view,
		}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolGetChainProgress,
		Title:       "Get chain progress",
		Description: "Returns step counts, the active group and terminal flags of an approval chain; set steps for every step.",
		Annotations: readOnly(),
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in ChainInput) (*mcp.CallToolResult, protocol.ToolResponse, error) {
		var (
			data any
			err  error
		)
		if in.Steps {
			data, err = b.Engine.ChainSummary(ctx, in.ApprovalID)
		} else {
			data, err = b.Engine.ChainProgress(ctx, in.ApprovalID)
		}
		if err != nil {
			return nil, b.failure(ToolGetChainProgress, in.ApprovalID, err), nil
		}
		return nil, protocol.ToolResponse{Status: protocol.StatusSuccess, Data: data}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolDecideChainStep,
		Title:       "Decide chain step",
		Description: "Approves or rejects an active chain step. The operator needs the permissions of the step role.",
	}, b.decideStep)

	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolDecideApproval,
		Title:       "Decide approval",
		Description: "Approves an approval whose chain is complete, or rejects a pending approval.",
	}, b.decideApproval)

	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolDispatchApproval,
		Title:       "Dispatch approval",
		Description: "Executes the plan of an approved approval exactly once.",
	}, b.dispatch)
}

func (b Builder) evaluate(ctx context.Context, _ *mcp.CallToolRequest, in EvaluateInput) (*mcp.CallToolResult, protocol.ToolResponse, error) {
	b.Logger.Info("tool call", "tool", ToolEvaluateAction, "correlation_id", in.RequestID, "intent", in.Intent,
		"operator_id", in.Operator.ID, "args", security.RedactArguments(in.Params))
	req, err := in.request()
	if err != nil {
		return nil, b.failure(ToolEvaluateAction, in.RequestID, err), nil
	}
	ev, err := b.Engine.Evaluate(ctx, req)
	if err != nil {
		return nil, b.failure(ToolEvaluateAction, in.RequestID, err), nil
	}
	resp := protocol.ToolResponse{
		Status:        protocol.StatusSuccess,
		Decision:      ev.Outcome,
		Reason:        ev.Message,
		CorrelationID: ev.RequestID,
		Data:          ev,
	}
	switch ev.Outcome {
	case engine.OutcomeDenied:
		resp.Status = protocol.StatusDenied
	case engine.OutcomePendingApproval:
		resp.Status = protocol.StatusPending
	case engine.OutcomeDispatchFailed:
		resp.Status = protocol.StatusError
	}
	return nil, resp, nil
}

func (b Builder) decideStep(ctx context.Context, _ *mcp.CallToolRequest, in DecideStepInput) (*mcp.CallToolResult, protocol.ToolResponse, error) {
	b.Logger.Info("tool call", "tool", ToolDecideChainStep, "step_id", in.StepID, "operator_id", in.Operator.ID, "status", in.Status)
	d, err := in.decision()
	if err != nil {
		return nil, b.failure(ToolDecideChainStep, in.StepID, err), nil
	}
	out, err := b.Engine.DecideStep(ctx, d)
	if err != nil {
		return nil, b.failure(ToolDecideChainStep, in.StepID, err), nil
	}
	if !out.Authorization.Allowed {
		return nil, denied(out.Authorization, in.StepID, out), nil
	}
	return nil, protocol.ToolResponse{
		Status:        protocol.StatusSuccess,
		Decision:      string(out.Step.Status),
		Reason:        out.Message,
		CorrelationID: out.Approval.RequestID,
		Data:          out,
	}, nil
}

func (b Builder) decideApproval(ctx context.Context, _ *mcp.CallToolRequest, in DecideApprovalInput) (*mcp.CallToolResult, protocol.ToolResponse, error) {
	b.Logger.Info("tool call", "tool", ToolDecideApproval, "approval_id", in.ApprovalID, "operator_id", in.Operator.ID, "status", in.Status)
	d, err := in.decision()
	if err != nil {
		return nil, b.failure(ToolDecideApproval, in.ApprovalID, err), nil
	}
	out, err := b.Engine.DecideApproval(ctx, d)
	if err != nil {
		return nil, b.failure(ToolDecideApproval, in.ApprovalID, err), nil
	}
	if !out.Authorization.Allowed {
		return nil, denied(out.Authorization, in.ApprovalID, out), nil
	}
	return nil, protocol.ToolResponse{
		Status:        protocol.StatusSuccess,
		Decision:      string(out.Approval.Status),
		Reason:        out.Message,
		CorrelationID: out.Approval.RequestID,
		Data:          out,
	}, nil
}

func (b Builder) dispatch(ctx context.Context, _ *mcp.CallToolRequest, in DispatchInput) (*mcp.CallToolResult, protocol.ToolResponse, error) {
	b.Logger.Info("tool call", "tool", ToolDispatchApproval, "approval_id", in.ApprovalID, "operator_id", in.Operator.ID)
	op, err := in.Operator.operator()
	if err != nil {
		return nil, b.failure(ToolDispatchApproval, in.ApprovalID, err), nil
	}
	out, err := b.Engine.Dispatch(ctx, engine.DispatchRequest{ApprovalID: in.ApprovalID, Operator: op})
	if err != nil {
		return nil, b.failure(ToolDispatchApproval, in.ApprovalID, err), nil
	}
	if out.Authorization != nil && !out.Authorization.Allowed {
		return nil, denied(*out.Authorization, in.ApprovalID, out), nil
	}
	resp := protocol.ToolResponse{
		Status:        protocol.StatusSuccess,
		Decision:      string(out.Approval.Status),
		Reason:        out.Message,
		CorrelationID: out.Approval.RequestID,
		Data:          out,
	}
	switch {
	case out.Reason == engine.ReasonReleaseRejected:
		resp.Status = protocol.StatusDenied
	case out.Reason != "", out.Result != nil && !out.Result.Success():
		resp.Status = protocol.StatusError
	}
	return nil, resp, nil
}

func denied(res authz.Result, correlationID string, data any) protocol.ToolResponse {
	return protocol.ToolResponse{
		Status:        protocol.StatusDenied,
		Decision:      engine.OutcomeDenied,
		Reason:        res.Reason,
		CorrelationID: correlationID,
		Data:          data,
	}
}
