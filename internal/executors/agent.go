package executors

import (
	"context"

	"github.com/rendis/conveyor/internal/sandbox"
	"github.com/rendis/conveyor/pkg/schema"
)

// AgentRequest is what an agent backend receives for one agent_task attempt.
type AgentRequest struct {
	RunID      string         `json:"runId"`
	StepID     string         `json:"stepId"`
	Agent      string         `json:"agent,omitempty"`
	Prompt     string         `json:"prompt"`
	Model      string         `json:"model,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Dispatcher sends a rendered prompt to an agent backend and returns its
// result.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *AgentRequest) (any, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, req *AgentRequest) (any, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, req *AgentRequest) (any, error) {
	return f(ctx, req)
}

// AgentExecutor runs agent_task steps.
type AgentExecutor struct {
	dispatcher Dispatcher
}

// NewAgentExecutor creates an AgentExecutor backed by d.
func NewAgentExecutor(d Dispatcher) *AgentExecutor {
	return &AgentExecutor{dispatcher: d}
}

func (e *AgentExecutor) Kind() schema.StepType { return schema.StepTypeAgentTask }

func (e *AgentExecutor) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	cfg, ok := req.Config.(*schema.AgentTaskConfig)
	if !ok {
		return nil, configMismatch(req, schema.StepTypeAgentTask)
	}
	if e.dispatcher == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no agent dispatcher configured").WithStep(req.Key())
	}

	prompt, err := sandbox.Render(cfg.Prompt, req.Context)
	if err != nil {
		return Failed(asError(err, schema.ErrCodeExecution).WithStep(req.Key())), nil
	}

	result, err := e.dispatcher.Dispatch(ctx, &AgentRequest{
		RunID:      req.RunID,
		StepID:     req.Step.ID,
		Agent:      cfg.Agent,
		Prompt:     prompt,
		Model:      cfg.Model,
		Parameters: cfg.Parameters,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return Failed(schema.NewErrorf(schema.ErrCodeExecution, "agent dispatch failed: %s", err.Error()).
			WithStep(req.Key()).WithCause(err)), nil
	}

	out, err := sandbox.Normalize(result)
	if err != nil {
		return Failed(schema.Wrap(err, schema.ErrCodeExecution).WithStep(req.Key())), nil
	}
	return Completed(out), nil
}
