package engine

import (
	"context"
	"errors"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/conveyor/internal/executors"
	"github.com/rendis/conveyor/internal/logging"
	"github.com/rendis/conveyor/pkg/schema"
)

// execute runs inst, which the caller already moved to running, and records
// its final state.
func (c *Controller) execute(ctx context.Context, rs *runState, inst *instance) {
	ctx = logging.WithStepID(ctx, inst.key)
	ctx, span := c.tracer.Start(ctx, "conveyor.step",
		trace.WithAttributes(
			attribute.String("conveyor.step_id", inst.key),
			attribute.String("conveyor.step_type", string(inst.step.Type)),
		))
	defer span.End()

	var out *executors.Outcome
	switch inst.step.Type {
	case schema.StepTypeConditional:
		out = c.runConditional(ctx, rs, inst)
	case schema.StepTypeParallel:
		out = c.runParallel(ctx, rs, inst)
	case schema.StepTypeLoop:
		out = c.runLoop(ctx, rs, inst)
	case schema.StepTypeSubPipeline:
		out = c.runSubPipeline(ctx, rs, inst)
	default:
		out = c.runLeaf(ctx, rs, inst)
	}

	if out.Status == executors.StatusFailed && out.Error != nil {
		span.RecordError(out.Error)
		span.SetStatus(codes.Error, out.Error.Message)
	}

	rs.mu.Lock()
	c.finishLocked(rs, inst, out)
	snap := rs.snapshotLocked()
	rs.mu.Unlock()
	c.persist(rs, snap)
}

// runLeaf invokes a leaf executor under the retry policy and parks the step
// if the executor suspends it.
func (c *Controller) runLeaf(ctx context.Context, rs *runState, inst *instance) *executors.Outcome {
	exec, err := c.execs.Get(inst.step.Type)
	if err != nil {
		return executors.Failed(schema.Wrap(err, schema.ErrCodeValidation).WithStep(inst.key))
	}

	policy := ResolvePolicy(inst.step, rs.def)
	rc := &RetryController{
		OnRetry: func(n int, err *schema.Error, delay time.Duration) {
			c.metrics.StepRetried(string(inst.step.Type))
			c.appendEvent(ctx, rs.run.ID, inst.key, schema.EventStepRetrying, map[string]any{
				"attempt": n,
				"error":   err,
				"delayMs": delay.Milliseconds(),
			})
			rs.logger.Info("retrying step", "step_id", inst.key, "attempt", n, "delay", delay.String(), "error", err.Message)
		},
	}
	out, _ := rc.Do(ctx, policy, func(ctx context.Context, n int) *executors.Outcome {
		return c.attempt(ctx, rs, inst, exec, n)
	})
	if out.Status == executors.StatusSuspended {
		return c.suspend(ctx, rs, inst, out.Suspension)
	}
	return out
}

// attempt runs one executor invocation on a worker pool slot.
func (c *Controller) attempt(ctx context.Context, rs *runState, inst *instance, exec executors.Executor, n int) *executors.Outcome {
	started := time.Now().UTC()
	out := c.invoke(ctx, rs, inst, exec, n)
	if out.Status == executors.StatusFailed && out.Error == nil {
		out.Error = schema.NewError(schema.ErrCodeExecution, "executor reported failure without an error")
	}
	if out.Error != nil && out.Error.StepID == "" {
		out.Error.StepID = inst.key
	}

	rs.mu.Lock()
	inst.state.Attempts = n
	rec := schema.AttemptRecord{Attempt: n, StartedAt: started, FinishedAt: time.Now().UTC()}
	if out.Status == executors.StatusFailed {
		rec.Error = out.Error.Message
		rec.ErrorCode = out.Error.Code
		inst.state.LastError = out.Error
	}
	inst.state.AttemptHistory = append(inst.state.AttemptHistory, rec)
	rs.mirrorLocked(inst)
	rs.mu.Unlock()
	return out
}

func (c *Controller) invoke(ctx context.Context, rs *runState, inst *instance, exec executors.Executor, n int) *executors.Outcome {
	if err := rs.gate(ctx); err != nil {
		return executors.Failed(cancelledErr(inst.key))
	}

	target := breakerKey(inst)
	if target != "" {
		if err := c.breakers.AllowRequest(target); err != nil {
			return executors.Failed(schema.Wrap(err, schema.ErrCodeCircuitOpen))
		}
	}

	rs.mu.Lock()
	if rs.terminalLocked() {
		rs.mu.Unlock()
		return executors.Failed(cancelledErr(inst.key))
	}
	env := rs.envLocked(inst)
	req := &executors.Request{
		RunID:   rs.run.ID,
		StepKey: inst.key,
		Step:    inst.step,
		Config:  inst.cfg,
		Context: env["ctx"].(map[string]any),
		Env:     env,
		Attempt: n,
	}
	rs.mu.Unlock()

	actx := ctx
	if inst.step.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, inst.step.Timeout.Std())
		defer cancel()
	}

	var out *executors.Outcome
	call := func(ctx context.Context) error {
		o, err := exec.Execute(ctx, req)
		if err != nil {
			return err
		}
		out = o
		return nil
	}
	var err error
	if pooled(inst.step.Type) {
		err = c.pool.Do(actx, call)
	} else {
		err = call(actx)
	}

	switch {
	case ctx.Err() != nil:
		out = executors.Failed(cancelledErr(inst.key))
	case errors.Is(actx.Err(), context.DeadlineExceeded) && (err != nil || out == nil || out.Status == executors.StatusFailed):
		out = executors.Failed(schema.NewErrorf(schema.ErrCodeTimeout, "step %s timed out after %s", inst.key, inst.step.Timeout.Std()).
			WithStep(inst.key))
	case err != nil:
		out = executors.Failed(schema.Wrap(err, schema.ErrCodeExecution))
	case out == nil:
		out = executors.Failed(schema.NewError(schema.ErrCodeExecution, "executor returned no outcome"))
	}

	if target != "" {
		c.recordBreaker(rs, inst, target, out)
	}
	return out
}

func (c *Controller) recordBreaker(rs *runState, inst *instance, target string, out *executors.Outcome) {
	switch {
	case out.Status != executors.StatusFailed:
		c.breakers.RecordSuccess(target)
	case schema.IsCode(out.Error, schema.ErrCodeExecution) || schema.IsCode(out.Error, schema.ErrCodeTimeout):
		before := c.breakers.GetState(target)
		if after := c.breakers.RecordFailure(target); after == CircuitOpen && before != CircuitOpen {
			c.appendEvent(rs.ctx, rs.run.ID, inst.key, schema.EventCircuitBreakerOpen, c.breakers.GetStats(target))
		}
	}
}

// breakerKey names the outbound target of a step for circuit breaking.
func breakerKey(inst *instance) string {
	switch cfg := inst.cfg.(type) {
	case *schema.AgentTaskConfig:
		agent := cfg.Agent
		if agent == "" {
			agent = "default"
		}
		return "agent:" + agent
	case *schema.WebhookConfig:
		u, err := url.Parse(cfg.URL)
		if err != nil || u.Host == "" {
			return ""
		}
		return "webhook:" + u.Host
	}
	return ""
}

// pooled reports whether attempts of kind take a worker slot. Waits and
// approvals only park the step.
func pooled(kind schema.StepType) bool {
	return kind != schema.StepTypeWait && kind != schema.StepTypeApproval
}
