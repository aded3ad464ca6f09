package engine

import (
	"context"
	"errors"

	"github.com/codex-k8s/governance-plane/internal/approval"
	"github.com/codex-k8s/governance-plane/internal/chain"
)

// ApprovalView is an approval with its chain summary.
type ApprovalView struct {
	Approval approval.Approval `json:"approval"`
	Chain    *chain.Summary    `json:"chain,omitempty"`
}

// GetApproval returns an approval and its chain.
func (e *Engine) GetApproval(ctx context.Context, id string) (ApprovalView, error) {
	a, err := e.approvals.Get(ctx, id)
	if err != nil {
		return ApprovalView{}, err
	}
	view := ApprovalView{Approval: a}
	summary, err := e.chains.GetChainSummary(ctx, id)
	switch {
	case err == nil:
		view.Chain = &summary
	case !errors.Is(err, chain.ErrNotFound):
		return ApprovalView{}, err
	}
	return view, nil
}

// ListApprovals pages through approvals.
func (e *Engine) ListApprovals(ctx context.Context, filter approval.Filter) (approval.Page, error) {
	return e.approvals.List(ctx, filter)
}

// ChainProgress returns the chain progress of an approval.
func (e *Engine) ChainProgress(ctx context.Context, approvalID string) (chain.Progress, error) {
	return e.chains.GetChainProgress(ctx, approvalID)
}

// ChainSummary returns every step of an approval's chain.
func (e *Engine) ChainSummary(ctx context.Context, approvalID string) (chain.Summary, error) {
	return e.chains.GetChainSummary(ctx, approvalID)
}
