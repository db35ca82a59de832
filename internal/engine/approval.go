package engine

import (
	"context"
	"time"

	"github.com/rendis/conveyor/internal/executors"
	"github.com/rendis/conveyor/internal/sandbox"
	"github.com/rendis/conveyor/pkg/schema"
)

// suspend parks inst in waiting until SubmitApproval, SignalWait or a
// timeout resolves it. The earlier of the suspension's timeout and the
// step's timeout applies; the step timeout fails the step with TIMEOUT and
// bypasses the approval's onTimeout policy.
func (c *Controller) suspend(ctx context.Context, rs *runState, inst *instance, s *executors.Suspension) *executors.Outcome {
	if s == nil {
		return executors.Failed(schema.NewError(schema.ErrCodeExecution, "executor suspended without a suspension").WithStep(inst.key))
	}
	w := &waiter{kind: s.Kind, token: s.Token, ch: make(chan *executors.Outcome, 1)}
	limit := s.Timeout
	if st := inst.step.Timeout.Std(); st > 0 && (limit <= 0 || st < limit) {
		limit = st
		w.stepLimit = st
	}

	rs.mu.Lock()
	if rs.terminalLocked() {
		rs.mu.Unlock()
		return executors.Failed(cancelledErr(inst.key))
	}
	now := time.Now().UTC()

	switch s.Kind {
	case executors.SuspendApproval:
		cfg := s.Approval
		if cfg == nil {
			cfg = &schema.ApprovalConfig{MinApprovals: 1, OnTimeout: schema.OnTimeoutFail}
		}
		pa := &schema.PendingApproval{
			StepID:       inst.key,
			Approvers:    append([]string(nil), cfg.Approvers...),
			MinApprovals: cfg.MinApprovals,
			Message:      s.Message,
			Timeout:      schema.Duration(s.Timeout),
			OnTimeout:    cfg.OnTimeout,
			CreatedAt:    now,
		}
		if limit > 0 {
			exp := now.Add(limit)
			pa.ExpiresAt = &exp
		}
		rs.run.Approvals[inst.key] = pa
		c.setStepStatusLocked(rs, inst, schema.StepStatusWaiting, map[string]any{"kind": string(s.Kind)})
		c.appendEvent(ctx, rs.run.ID, inst.key, schema.EventApprovalRequested, pa)
		c.metrics.ApprovalOpened()

	case executors.SuspendSignal:
		rs.run.WaitTokens[s.Token] = inst.key
		c.mu.Lock()
		c.tokens[s.Token] = rs.run.ID
		c.mu.Unlock()
		c.setStepStatusLocked(rs, inst, schema.StepStatusWaiting, map[string]any{"kind": string(s.Kind), "token": s.Token})

	default:
		rs.mu.Unlock()
		return executors.Failed(schema.NewErrorf(schema.ErrCodeExecution, "unknown suspension kind %q", s.Kind).WithStep(inst.key))
	}

	rs.waiters[inst.key] = w
	if limit > 0 {
		key := inst.key
		w.timer = time.AfterFunc(limit, func() { c.expire(rs, key, w) })
	}
	snap := rs.snapshotLocked()
	rs.mu.Unlock()
	c.persist(rs, snap)
	rs.logger.Info("step waiting", "step_id", inst.key, "kind", string(s.Kind))

	select {
	case out := <-w.ch:
		return out
	case <-ctx.Done():
		rs.mu.Lock()
		if rs.waiters[inst.key] == w {
			c.dropWaiterLocked(rs, inst.key, w)
		}
		rs.mu.Unlock()
		return executors.Failed(cancelledErr(inst.key))
	}
}

// resolveLocked hands out to the parked step and forgets its suspension.
func (c *Controller) resolveLocked(rs *runState, key string, w *waiter, out *executors.Outcome) {
	c.dropWaiterLocked(rs, key, w)
	w.ch <- out
}

func (c *Controller) dropWaiterLocked(rs *runState, key string, w *waiter) {
	if w.timer != nil {
		w.timer.Stop()
	}
	delete(rs.waiters, key)
	if _, ok := rs.run.Approvals[key]; ok {
		delete(rs.run.Approvals, key)
		c.metrics.ApprovalClosed()
	}
	if w.token != "" {
		delete(rs.run.WaitTokens, w.token)
		c.mu.Lock()
		delete(c.tokens, w.token)
		c.mu.Unlock()
	}
}

// expire fires when a suspension's timeout elapses.
func (c *Controller) expire(rs *runState, key string, w *waiter) {
	rs.mu.Lock()
	if rs.waiters[key] != w || rs.terminalLocked() {
		rs.mu.Unlock()
		return
	}

	var out *executors.Outcome
	switch {
	case w.stepLimit > 0:
		out = executors.Failed(schema.NewErrorf(schema.ErrCodeTimeout, "step %s timed out after %s", key, w.stepLimit).WithStep(key))
		if w.kind == executors.SuspendApproval {
			c.appendEvent(rs.ctx, rs.run.ID, key, schema.EventApprovalResolved, map[string]any{
				"resolution": "step_timeout",
			})
		}
	case w.kind == executors.SuspendApproval:
		pa := rs.run.Approvals[key]
		policy := schema.OnTimeoutFail
		if pa != nil && pa.OnTimeout != "" {
			policy = pa.OnTimeout
		}
		out = approvalTimeoutOutcome(key, pa, policy)
		c.appendEvent(rs.ctx, rs.run.ID, key, schema.EventApprovalResolved, map[string]any{
			"resolution": "timeout",
			"onTimeout":  string(policy),
		})
	default:
		out = executors.Failed(schema.NewErrorf(schema.ErrCodeTimeout, "step %s was not signalled in time", key).WithStep(key))
	}
	c.resolveLocked(rs, key, w, out)
	rs.mu.Unlock()
}

// approvalTimeoutOutcome applies the onTimeout policy of an expired approval.
func approvalTimeoutOutcome(key string, pa *schema.PendingApproval, policy schema.ApprovalTimeoutPolicy) *executors.Outcome {
	var decisions []schema.Decision
	if pa != nil {
		decisions = append(decisions, pa.Decisions...)
	}
	switch policy {
	case schema.OnTimeoutApprove:
		return executors.Completed(approvalOutput(true, "timeout", decisions))
	case schema.OnTimeoutReject:
		return &executors.Outcome{
			Status: executors.StatusFailed,
			Output: approvalOutput(false, "timeout", decisions),
			Error:  schema.NewErrorf(schema.ErrCodeApprovalRejected, "approval for %s rejected on timeout", key).WithStep(key),
		}
	default:
		return &executors.Outcome{
			Status: executors.StatusFailed,
			Output: approvalOutput(false, "timeout", decisions),
			Error:  schema.NewErrorf(schema.ErrCodeApprovalTimeout, "approval for %s timed out", key).WithStep(key),
		}
	}
}

func approvalOutput(approved bool, resolution string, decisions []schema.Decision) map[string]any {
	list := make([]any, 0, len(decisions))
	for _, d := range decisions {
		entry := map[string]any{
			"approver": d.Approver,
			"decision": string(d.Decision),
			"at":       d.At.Format(time.RFC3339Nano),
		}
		if d.Comment != "" {
			entry["comment"] = d.Comment
		}
		list = append(list, entry)
	}
	return map[string]any{
		"approved":   approved,
		"resolution": resolution,
		"decisions":  list,
	}
}

// SubmitApproval records one approver's decision on a waiting approval step.
// Any rejection fails the step at once; reaching minApprovals completes it.
func (c *Controller) SubmitApproval(ctx context.Context, runID, stepID string, decision schema.Decision) error {
	if decision.Decision != schema.DecisionApproved && decision.Decision != schema.DecisionRejected {
		return schema.NewErrorf(schema.ErrCodeValidation, "decision must be %q or %q", schema.DecisionApproved, schema.DecisionRejected)
	}
	rs, err := c.mustActive(ctx, runID)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	snap, err := c.submitLocked(ctx, rs, stepID, decision)
	rs.mu.Unlock()
	if err != nil {
		return err
	}
	c.persist(rs, snap)
	return nil
}

func (c *Controller) submitLocked(ctx context.Context, rs *runState, stepID string, decision schema.Decision) (snapshot, error) {
	if rs.run.Status != schema.RunStatusRunning {
		return snapshot{}, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %s is %s; approvals need a running run", rs.run.ID, rs.run.Status)
	}
	pa, ok := rs.run.Approvals[stepID]
	w := rs.waiters[stepID]
	if !ok || w == nil {
		return snapshot{}, schema.NewErrorf(schema.ErrCodeNotFound, "no pending approval for step %s", stepID).WithStep(stepID)
	}
	if !pa.Eligible(decision.Approver) {
		return snapshot{}, schema.NewErrorf(schema.ErrCodeValidation, "%q is not an approver of step %s", decision.Approver, stepID).WithStep(stepID)
	}
	if pa.HasDecided(decision.Approver) {
		return snapshot{}, schema.NewErrorf(schema.ErrCodeConflict, "%q already decided on step %s", decision.Approver, stepID).WithStep(stepID)
	}

	if decision.At.IsZero() {
		decision.At = time.Now().UTC()
	}
	pa.Decisions = append(pa.Decisions, decision)
	c.metrics.ApprovalDecision(string(decision.Decision))
	c.appendEvent(ctx, rs.run.ID, stepID, schema.EventApprovalDecision, decision)

	var out *executors.Outcome
	switch {
	case decision.Decision == schema.DecisionRejected:
		out = &executors.Outcome{
			Status: executors.StatusFailed,
			Output: approvalOutput(false, "rejected", pa.Decisions),
			Error: schema.NewErrorf(schema.ErrCodeApprovalRejected, "approval for %s rejected by %s", stepID, decision.Approver).
				WithStep(stepID).
				WithDetails(map[string]any{"approver": decision.Approver, "comment": decision.Comment}),
		}
	case pa.Approvals() >= pa.MinApprovals:
		out = executors.Completed(approvalOutput(true, "approved", pa.Decisions))
	}

	if out != nil {
		c.appendEvent(ctx, rs.run.ID, stepID, schema.EventApprovalResolved, map[string]any{"resolution": string(decision.Decision)})
		c.resolveLocked(rs, stepID, w, out)
	}
	return rs.snapshotLocked(), nil
}

// SignalWait resumes the webhook-mode wait step holding token. The payload
// becomes part of the step's output.
func (c *Controller) SignalWait(ctx context.Context, token string, payload map[string]any) error {
	var body any = map[string]any{}
	if payload != nil {
		norm, err := sandbox.Normalize(payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "signal payload is not JSON: %s", err.Error()).WithCause(err)
		}
		body = norm
	}

	c.mu.Lock()
	runID, ok := c.tokens[token]
	c.mu.Unlock()
	if !ok {
		return schema.NewError(schema.ErrCodeNotFound, "unknown or expired wait token")
	}
	rs, err := c.mustActive(ctx, runID)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	key, ok := rs.run.WaitTokens[token]
	w := rs.waiters[key]
	if !ok || w == nil || w.token != token {
		return schema.NewError(schema.ErrCodeNotFound, "unknown or expired wait token")
	}
	if rs.run.Status != schema.RunStatusRunning {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is %s; signals need a running run", runID, rs.run.Status)
	}

	c.appendEvent(ctx, runID, key, schema.EventWaitSignalled, map[string]any{"token": token})
	c.resolveLocked(rs, key, w, executors.Completed(map[string]any{
		"signalled": true,
		"payload":   body,
	}))
	return nil
}
