package executors

import (
	"context"

	"github.com/rendis/conveyor/internal/sandbox"
	"github.com/rendis/conveyor/pkg/schema"
)

// ApprovalExecutor suspends approval steps. Decisions are collected by the
// engine, which owns the pending approval.
type ApprovalExecutor struct{}

// NewApprovalExecutor creates an ApprovalExecutor.
func NewApprovalExecutor() *ApprovalExecutor { return &ApprovalExecutor{} }

func (e *ApprovalExecutor) Kind() schema.StepType { return schema.StepTypeApproval }

func (e *ApprovalExecutor) Execute(_ context.Context, req *Request) (*Outcome, error) {
	cfg, ok := req.Config.(*schema.ApprovalConfig)
	if !ok {
		return nil, configMismatch(req, schema.StepTypeApproval)
	}

	msg, err := sandbox.Render(cfg.Message, req.Context)
	if err != nil {
		return Failed(asError(err, schema.ErrCodeExecution).WithStep(req.Key())), nil
	}

	resolved := *cfg
	if resolved.MinApprovals <= 0 {
		resolved.MinApprovals = 1
	}
	if resolved.OnTimeout == "" {
		resolved.OnTimeout = schema.OnTimeoutFail
	}
	resolved.Message = msg

	return Suspended(&Suspension{
		Kind:     SuspendApproval,
		Timeout:  cfg.Timeout.Std(),
		Message:  msg,
		Approval: &resolved,
	}), nil
}
