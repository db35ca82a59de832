package engine

import (
	"context"
	"time"

	"github.com/rendis/conveyor/internal/executors"
	"github.com/rendis/conveyor/internal/sandbox"
	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/pkg/schema"
)

// advance starts every runnable step of the run and finishes the run once
// nothing is runnable or in flight. It reports whether the run is terminal.
func (c *Controller) advance(rs *runState) bool {
	rs.mu.Lock()
	if rs.terminalLocked() {
		rs.mu.Unlock()
		return true
	}
	if rs.run.Status == schema.RunStatusPaused {
		rs.mu.Unlock()
		return false
	}

	var (
		ready   []*instance
		changed bool
	)
	for progress := true; progress; {
		progress = false
		for _, id := range rs.dag.Sorted {
			st := rs.run.Steps[id]
			if st.Status != schema.StepStatusPending || rs.inflight[id] || !rs.dag.SchedulerDriven(id) {
				continue
			}
			satisfied, blocked := rs.depsLocked(nil, id)
			if !satisfied {
				continue
			}
			inst := rs.topInstanceLocked(id)
			if blocked != "" {
				c.skipLocked(rs, inst, "dependency "+blocked+" did not complete")
				progress, changed = true, true
				continue
			}
			run, err := c.conditionLocked(rs, inst)
			if err != nil {
				c.finishLocked(rs, inst, executors.Failed(err))
				if !inst.step.ContinueOnFailure {
					snap := c.endRunLocked(rs, schema.RunStatusFailed, err)
					rs.mu.Unlock()
					c.persist(rs, snap)
					return true
				}
				progress, changed = true, true
				continue
			}
			if !run {
				c.skipLocked(rs, inst, "condition is false")
				progress, changed = true, true
				continue
			}
			rs.inflight[id] = true
			ready = append(ready, inst)
		}
	}

	if len(ready) == 0 && len(rs.inflight) == 0 {
		for _, id := range rs.dag.Sorted {
			if rs.run.Steps[id].Status == schema.StepStatusPending {
				c.skipLocked(rs, rs.topInstanceLocked(id), "never became runnable")
			}
		}
		snap := c.endRunLocked(rs, schema.RunStatusCompleted, nil)
		rs.mu.Unlock()
		c.persist(rs, snap)
		return true
	}

	for _, inst := range ready {
		c.setStepStatusLocked(rs, inst, schema.StepStatusRunning, nil)
	}
	var snap snapshot
	if changed || len(ready) > 0 {
		snap = rs.snapshotLocked()
	}
	rs.mu.Unlock()

	if snap.run != nil {
		c.persist(rs, snap)
	}
	for _, inst := range ready {
		c.wg.Add(1)
		go c.runTop(rs, inst)
	}
	return false
}

// runTop executes one scheduler-driven step and feeds its result back.
func (c *Controller) runTop(rs *runState, inst *instance) {
	defer c.wg.Done()
	c.execute(rs.ctx, rs, inst)

	rs.mu.Lock()
	delete(rs.inflight, inst.key)
	var snap snapshot
	status := inst.state.Status
	if !rs.terminalLocked() && !inst.step.ContinueOnFailure &&
		(status == schema.StepStatusFailed || status == schema.StepStatusCancelled) {
		cause := inst.state.LastError
		if cause == nil {
			cause = cancelledErr(inst.key)
		}
		snap = c.endRunLocked(rs, schema.RunStatusFailed, cause)
	}
	rs.mu.Unlock()

	if snap.run != nil {
		c.persist(rs, snap)
	}
	rs.poke()
}

// depsLocked reports whether every dependency of id is terminal, and names
// the first one that ended without completing or being skipped.
func (rs *runState) depsLocked(inst *instance, id string) (satisfied bool, blocked string) {
	owner := rs.dag.Owner[id]
	for _, dep := range rs.dag.Edges[id] {
		if inst != nil && dep == owner {
			// The owner is driving this step.
			continue
		}
		status := rs.statusOfLocked(inst, dep)
		if !status.IsTerminal() {
			return false, ""
		}
		if !status.Satisfies() && blocked == "" {
			blocked = dep
		}
	}
	return true, blocked
}

// conditionLocked evaluates the gating condition of inst.
func (c *Controller) conditionLocked(rs *runState, inst *instance) (bool, *schema.Error) {
	if inst.step.Condition == "" {
		return true, nil
	}
	ok, err := c.sandbox.EvalBool(rs.ctx, inst.step.Condition, sandbox.ScopeCondition, rs.envLocked(inst))
	if err != nil {
		return false, schema.Wrap(err, schema.ErrCodeExecution).WithStep(inst.key)
	}
	return ok, nil
}

// setStepStatusLocked moves inst to a new status through the step FSM.
func (c *Controller) setStepStatusLocked(rs *runState, inst *instance, to schema.StepStatus, payload any) {
	from := inst.state.Status
	if from == to {
		return
	}
	if err := c.stepFSM.Transition(rs.ctx, rs.run.ID, inst.key, from, to, payload); err != nil {
		if !schema.IsCode(err, schema.ErrCodeStore) {
			rs.logger.Error("step transition rejected", "step_id", inst.key, "from", string(from), "to", string(to), "error", err)
			return
		}
		rs.logger.Error("step event not recorded", "step_id", inst.key, "error", err)
	}

	now := time.Now().UTC()
	inst.state.Status = to
	switch {
	case to == schema.StepStatusRunning:
		inst.state.StartedAt = &now
	case to.IsTerminal():
		inst.state.CompletedAt = &now
		var d time.Duration
		if inst.state.StartedAt != nil {
			d = now.Sub(*inst.state.StartedAt)
		}
		c.metrics.StepFinished(string(inst.step.Type), string(to), d)
	}
	rs.mirrorLocked(inst)
}

// skipLocked marks inst skipped along with every step it drives.
func (c *Controller) skipLocked(rs *runState, inst *instance, reason string) {
	if inst.state.Status != schema.StepStatusPending {
		return
	}
	c.setStepStatusLocked(rs, inst, schema.StepStatusSkipped, map[string]any{"reason": reason})
	for _, child := range rs.dag.Owned(inst.step.ID) {
		c.skipLocked(rs, rs.childLocked(inst, child), "owner "+inst.step.ID+" skipped")
	}
}

// cancelPendingLocked marks never-started steps driven by inst cancelled.
func (c *Controller) cancelPendingLocked(rs *runState, inst *instance, ids []string) {
	for _, id := range ids {
		child := rs.childLocked(inst, id)
		if child.state.Status == schema.StepStatusPending {
			c.setStepStatusLocked(rs, child, schema.StepStatusCancelled, map[string]any{"reason": "sibling failed"})
		}
	}
}

// finishLocked records the final outcome of inst: outputs and mutations on
// success, last error on failure. Results arriving after the run ended are
// dropped.
func (c *Controller) finishLocked(rs *runState, inst *instance, out *executors.Outcome) {
	if rs.terminalLocked() || inst.state.Status.IsTerminal() {
		return
	}
	if inst.state.Status == schema.StepStatusPending {
		c.setStepStatusLocked(rs, inst, schema.StepStatusRunning, nil)
	}

	if out.Status == executors.StatusCompleted {
		if err := c.commitLocked(rs, inst, out); err != nil {
			out = &executors.Outcome{Status: executors.StatusFailed, Output: out.Output, Error: err}
		}
	}

	payload := store.StepEventPayload{Attempt: inst.state.Attempts}
	switch out.Status {
	case executors.StatusCompleted:
		inst.state.Output = out.Output
		inst.state.LastError = nil
		payload.Output = out.Output
		c.setStepStatusLocked(rs, inst, schema.StepStatusCompleted, payload)
	default:
		err := out.Error
		if err == nil {
			err = schema.NewError(schema.ErrCodeExecution, "step failed without an error")
		}
		if err.StepID == "" {
			err.StepID = inst.key
		}
		inst.state.Output = out.Output
		inst.state.LastError = err
		payload.Error = err
		to := schema.StepStatusFailed
		if schema.IsCode(err, schema.ErrCodeCancelled) {
			to = schema.StepStatusCancelled
		}
		c.setStepStatusLocked(rs, inst, to, payload)
		rs.logger.Warn("step failed", "step_id", inst.key, "code", err.Code, "error", err.Message)
	}
}

// commitLocked applies a completed step's context writes atomically: the
// executor's mutations, then the output under outputVariable.
func (c *Controller) commitLocked(rs *runState, inst *instance, out *executors.Outcome) *schema.Error {
	muts := out.Mutations
	if v := outputVariable(inst.cfg); v != "" {
		muts = append(append([]executors.Mutation(nil), muts...), executors.Mutation{
			Op: executors.MutationSet, Path: v, Value: out.Output,
		})
	}
	if len(muts) == 0 {
		return nil
	}
	next := sandbox.CloneMap(rs.run.Context)
	if err := executors.Apply(next, muts); err != nil {
		return schema.Wrap(err, schema.ErrCodeSandboxViolation).WithStep(inst.key)
	}
	rs.run.Context = next

	paths := make([]string, len(muts))
	for i, m := range muts {
		paths[i] = m.Path
	}
	c.appendEvent(rs.ctx, rs.run.ID, inst.key, schema.EventContextUpdated, map[string]any{"paths": paths})
	return nil
}

// runSequence runs ids one after another in dependency order on behalf of
// parent. It stops at the first failure that is not tolerated and returns
// that error.
func (c *Controller) runSequence(ctx context.Context, rs *runState, parent *instance, ids []string) *schema.Error {
	ordered := rs.dag.InTopologicalOrder(ids)
	for i, id := range ordered {
		if err := rs.gate(ctx); err != nil {
			return cancelledErr(parent.key)
		}

		rs.mu.Lock()
		if rs.terminalLocked() {
			rs.mu.Unlock()
			return cancelledErr(parent.key)
		}
		child := rs.childLocked(parent, id)
		_, blocked := rs.depsLocked(child, id)
		if blocked != "" {
			c.skipLocked(rs, child, "dependency "+blocked+" did not complete")
			rs.mu.Unlock()
			continue
		}
		run, cerr := c.conditionLocked(rs, child)
		if cerr != nil {
			c.finishLocked(rs, child, executors.Failed(cerr))
			rs.mu.Unlock()
			if child.step.ContinueOnFailure {
				continue
			}
			return cerr
		}
		if !run {
			c.skipLocked(rs, child, "condition is false")
			rs.mu.Unlock()
			continue
		}
		c.setStepStatusLocked(rs, child, schema.StepStatusRunning, nil)
		rs.mu.Unlock()

		c.execute(ctx, rs, child)

		rs.mu.Lock()
		status, lastErr := child.state.Status, child.state.LastError
		if status == schema.StepStatusFailed && !child.step.ContinueOnFailure {
			c.cancelPendingLocked(rs, parent, ordered[i+1:])
			rs.mu.Unlock()
			return lastErr
		}
		if status == schema.StepStatusCancelled {
			rs.mu.Unlock()
			return cancelledErr(parent.key)
		}
		rs.mu.Unlock()
	}
	return nil
}

func cancelledErr(stepKey string) *schema.Error {
	return schema.NewError(schema.ErrCodeCancelled, "step cancelled").WithStep(stepKey)
}
