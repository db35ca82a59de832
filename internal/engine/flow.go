package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/rendis/conveyor/internal/executors"
	"github.com/rendis/conveyor/internal/sandbox"
	"github.com/rendis/conveyor/pkg/schema"
)

// --- Conditional step ---

// runConditional picks a branch and skips the other. Branches of a
// scheduler-driven conditional are then started by the scheduler; anywhere
// else the chosen branch runs inline.
func (c *Controller) runConditional(ctx context.Context, rs *runState, inst *instance) *executors.Outcome {
	cfg := inst.cfg.(*schema.ConditionalConfig)

	rs.mu.Lock()
	env := rs.envLocked(inst)
	rs.mu.Unlock()

	ok, err := c.sandbox.EvalBool(ctx, cfg.Condition, sandbox.ScopeCondition, env)
	if err != nil {
		return executors.Failed(schema.Wrap(err, schema.ErrCodeExecution).WithStep(inst.key))
	}
	branch, chosen, other := "then", cfg.ThenSteps, cfg.ElseSteps
	if !ok {
		branch, chosen, other = "else", cfg.ElseSteps, cfg.ThenSteps
	}

	rs.mu.Lock()
	for _, id := range other {
		c.skipLocked(rs, rs.childLocked(inst, id), "branch not taken")
	}
	c.appendEvent(ctx, rs.run.ID, inst.key, schema.EventBranchActivated, map[string]any{
		"branch": branch,
		"steps":  chosen,
	})
	rs.mu.Unlock()

	output := map[string]any{"branch": branch, "condition": ok}
	if !inst.iterated() && rs.dag.SchedulerDriven(inst.step.ID) {
		return executors.Completed(output)
	}
	if err := c.runSequence(ctx, rs, inst, chosen); err != nil {
		return &executors.Outcome{
			Status: executors.StatusFailed,
			Output: output,
			Error: schema.NewErrorf(schema.ErrCodeExecution, "branch %s of %s failed: %s", branch, inst.key, err.Message).
				WithStep(inst.key).WithCause(err),
		}
	}
	return executors.Completed(output)
}

// --- Parallel step ---

// runParallel runs the owned steps concurrently, at most maxConcurrency at a
// time. A child that depends on a sibling waits for it and is skipped when
// the sibling did not complete. With failFast the first failure cancels the
// siblings.
func (c *Controller) runParallel(ctx context.Context, rs *runState, inst *instance) *executors.Outcome {
	cfg := inst.cfg.(*schema.ParallelConfig)
	if len(cfg.Steps) == 0 {
		return executors.Completed(map[string]any{})
	}
	limit := cfg.MaxConcurrency
	if limit <= 0 || limit > len(cfg.Steps) {
		limit = len(cfg.Steps)
	}

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		firstErr *schema.Error
		failures int
	)
	// Children are submitted in dependency order, so a child waiting on a
	// sibling never holds the only slot that sibling needs.
	ordered := rs.dag.SiblingOrder(cfg.Steps)
	done := make(map[string]chan struct{}, len(ordered))
	for _, id := range ordered {
		done[id] = make(chan struct{})
	}
	p := pool.New().WithMaxGoroutines(limit)
	for _, id := range ordered {
		p.Go(func() {
			defer close(done[id])
			for _, dep := range rs.dag.Edges[id] {
				if ch, sibling := done[dep]; sibling {
					select {
					case <-ch:
					case <-pctx.Done():
						return
					}
				}
			}
			if pctx.Err() != nil || rs.gate(pctx) != nil {
				return
			}
			status, lastErr, tolerated := c.runChild(pctx, rs, inst, id)
			if status == schema.StepStatusCancelled && pctx.Err() != nil {
				return
			}
			if (status == schema.StepStatusFailed || status == schema.StepStatusCancelled) && !tolerated {
				mu.Lock()
				failures++
				if firstErr == nil {
					firstErr = lastErr
				}
				mu.Unlock()
				if cfg.FailFast {
					cancel()
				}
			}
		})
	}
	p.Wait()

	rs.mu.Lock()
	c.cancelPendingLocked(rs, inst, cfg.Steps)
	output := make(map[string]any, len(cfg.Steps))
	for _, id := range cfg.Steps {
		st := rs.childLocked(inst, id).state
		if st.Status == schema.StepStatusCompleted {
			output[id] = sandbox.Clone(st.Output)
		}
	}
	rs.mu.Unlock()

	if ctx.Err() != nil {
		return executors.Failed(cancelledErr(inst.key))
	}
	if firstErr != nil {
		return &executors.Outcome{
			Status: executors.StatusFailed,
			Output: output,
			Error: schema.NewErrorf(schema.ErrCodeExecution, "%d of %d parallel steps failed in %s: %s",
				failures, len(cfg.Steps), inst.key, firstErr.Message).
				WithStep(inst.key).
				WithCause(firstErr).
				WithDetails(map[string]any{"failedStep": firstErr.StepID, "failFast": cfg.FailFast}),
		}
	}
	return executors.Completed(output)
}

// runChild starts one owned step inline and reports how it ended.
func (c *Controller) runChild(ctx context.Context, rs *runState, parent *instance, id string) (schema.StepStatus, *schema.Error, bool) {
	rs.mu.Lock()
	if rs.terminalLocked() {
		rs.mu.Unlock()
		return schema.StepStatusCancelled, cancelledErr(parent.key), false
	}
	child := rs.childLocked(parent, id)
	tolerated := child.step.ContinueOnFailure
	if _, blocked := rs.depsLocked(child, id); blocked != "" {
		c.skipLocked(rs, child, "dependency "+blocked+" did not complete")
		rs.mu.Unlock()
		return schema.StepStatusSkipped, nil, tolerated
	}
	run, err := c.conditionLocked(rs, child)
	if err != nil {
		c.finishLocked(rs, child, executors.Failed(err))
		rs.mu.Unlock()
		return schema.StepStatusFailed, err, tolerated
	}
	if !run {
		c.skipLocked(rs, child, "condition is false")
		rs.mu.Unlock()
		return schema.StepStatusSkipped, nil, tolerated
	}
	c.setStepStatusLocked(rs, child, schema.StepStatusRunning, nil)
	rs.mu.Unlock()

	c.execute(ctx, rs, child)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	return child.state.Status, child.state.LastError, tolerated
}

// --- Loop step ---

// runLoop repeats the owned steps. for_each runs one pass per element of the
// source array; while checks the condition before each pass and until after
// it. Pass outputs are collected in order.
func (c *Controller) runLoop(ctx context.Context, rs *runState, inst *instance) *executors.Outcome {
	cfg := inst.cfg.(*schema.LoopConfig)
	limit := cfg.IterationLimit()

	mode := cfg.Mode
	if mode == "" {
		mode = schema.LoopForEach
	}

	switch mode {
	case schema.LoopForEach:
		items, err := c.loopSource(rs, inst, cfg)
		if err != nil {
			return executors.Failed(err)
		}
		if len(items) > limit {
			rs.logger.Warn("loop source truncated", "step_id", inst.key, "items", len(items), "max_iterations", limit)
			items = items[:limit]
		}
		if cfg.Parallel {
			return c.forEachParallel(ctx, rs, inst, cfg, items)
		}
		results := make([]any, 0, len(items))
		for i, item := range items {
			out, err := c.iterate(ctx, rs, inst, i, item)
			if err != nil {
				return loopFailed(inst, i, results, err)
			}
			results = append(results, out)
		}
		return executors.Completed(results)

	case schema.LoopWhile, schema.LoopUntil:
		results := make([]any, 0)
		for i := 0; i < limit; i++ {
			if mode == schema.LoopWhile {
				ok, err := c.loopCondition(ctx, rs, inst, cfg, i)
				if err != nil {
					return loopFailed(inst, i, results, err)
				}
				if !ok {
					break
				}
			}
			out, err := c.iterate(ctx, rs, inst, i, nil)
			if err != nil {
				return loopFailed(inst, i, results, err)
			}
			results = append(results, out)
			if mode == schema.LoopUntil {
				done, err := c.loopCondition(ctx, rs, inst, cfg, i)
				if err != nil {
					return loopFailed(inst, i, results, err)
				}
				if done {
					break
				}
			}
		}
		return executors.Completed(results)
	}
	return executors.Failed(schema.NewErrorf(schema.ErrCodeValidation, "loop step %s: unknown mode %q", inst.key, mode).WithStep(inst.key))
}

func (c *Controller) loopSource(rs *runState, inst *instance, cfg *schema.LoopConfig) ([]any, *schema.Error) {
	path, err := sandbox.ParsePath(cfg.Source)
	if err != nil {
		return nil, schema.Wrap(err, schema.ErrCodeSandboxViolation).WithStep(inst.key)
	}
	rs.mu.Lock()
	v, ok := path.Get(rs.run.Context)
	v = sandbox.Clone(v)
	rs.mu.Unlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "loop source %s does not resolve", cfg.Source).WithStep(inst.key)
	}
	items, isArray := v.([]any)
	if !isArray {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "loop source %s is not an array", cfg.Source).WithStep(inst.key)
	}
	return items, nil
}

func (c *Controller) loopCondition(ctx context.Context, rs *runState, inst *instance, cfg *schema.LoopConfig, i int) (bool, *schema.Error) {
	rs.mu.Lock()
	env := rs.envLocked(rs.iterationLocked(inst, i, nil))
	rs.mu.Unlock()
	ok, err := c.sandbox.EvalBool(ctx, cfg.Condition, sandbox.ScopeCondition, env)
	if err != nil {
		return false, schema.Wrap(err, schema.ErrCodeExecution).WithStep(inst.key)
	}
	return ok, nil
}

// iterate runs one pass of the loop body and returns its output: the inner
// step's output when the body has one step, else a map by step ID.
func (c *Controller) iterate(ctx context.Context, rs *runState, inst *instance, i int, item any) (any, *schema.Error) {
	if err := rs.gate(ctx); err != nil {
		return nil, cancelledErr(inst.key)
	}
	body := rs.dag.Owned(inst.step.ID)

	rs.mu.Lock()
	frame := rs.iterationLocked(inst, i, item)
	c.appendEvent(ctx, rs.run.ID, inst.key, schema.EventLoopIteration, map[string]any{"index": i, "item": item})
	rs.mu.Unlock()

	if err := c.runSequence(ctx, rs, frame, body); err != nil {
		return nil, err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(body) == 1 {
		if st, ok := frame.locals[body[0]]; ok {
			return sandbox.Clone(st.Output), nil
		}
		return nil, nil
	}
	out := make(map[string]any, len(body))
	for _, id := range body {
		if st, ok := frame.locals[id]; ok {
			out[id] = sandbox.Clone(st.Output)
		}
	}
	return out, nil
}

func (c *Controller) forEachParallel(ctx context.Context, rs *runState, inst *instance, cfg *schema.LoopConfig, items []any) *executors.Outcome {
	if len(items) == 0 {
		return executors.Completed([]any{})
	}
	limit := cfg.ParallelLimit
	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}

	results := make([]any, len(items))
	p := pool.New().WithMaxGoroutines(limit).WithErrors().WithContext(ctx).WithCancelOnError().WithFirstError()
	for i, item := range items {
		p.Go(func(ctx context.Context) error {
			out, err := c.iterate(ctx, rs, inst, i, item)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		se := schema.Wrap(err, schema.ErrCodeExecution)
		if ctx.Err() != nil {
			se = cancelledErr(inst.key)
		}
		return loopFailed(inst, -1, nil, se)
	}
	return executors.Completed(results)
}

func loopFailed(inst *instance, i int, partial []any, err *schema.Error) *executors.Outcome {
	if schema.IsCode(err, schema.ErrCodeCancelled) {
		return executors.Failed(err)
	}
	details := map[string]any{"failedStep": err.StepID}
	if i >= 0 {
		details["iteration"] = i
	}
	return &executors.Outcome{
		Status: executors.StatusFailed,
		Output: partial,
		Error: schema.NewErrorf(schema.ErrCodeExecution, "loop %s failed: %s", inst.key, err.Message).
			WithStep(inst.key).WithCause(err).WithDetails(details),
	}
}

// --- Sub-pipeline step ---

// runSubPipeline starts a child run with inputs rendered from the context.
// Blocking mode waits up to the step's timeout and cancels the child when it
// expires.
func (c *Controller) runSubPipeline(ctx context.Context, rs *runState, inst *instance) *executors.Outcome {
	cfg := inst.cfg.(*schema.SubPipelineConfig)
	if err := rs.gate(ctx); err != nil {
		return executors.Failed(cancelledErr(inst.key))
	}

	def, err := c.pipelines.GetPipeline(ctx, cfg.PipelineID, cfg.Version)
	if err != nil {
		return executors.Failed(schema.Wrap(err, schema.ErrCodeNotFound).WithStep(inst.key))
	}

	rs.mu.Lock()
	params, ierr := subPipelineInputs(cfg, rs.run.Context)
	rs.mu.Unlock()
	if ierr != nil {
		return executors.Failed(ierr.WithStep(inst.key))
	}

	child, err := c.start(ctx, def, RunRequest{Params: params, TriggeredBy: "run:" + rs.run.ID}, rs, inst.key)
	if err != nil {
		return executors.Failed(schema.Wrap(err, schema.ErrCodeExecution).WithStep(inst.key))
	}
	c.appendEvent(ctx, rs.run.ID, inst.key, schema.EventSubPipelineStart, map[string]any{
		"childRunId": child.ID,
		"pipelineId": def.ID,
		"version":    def.Version,
	})

	if !cfg.WaitForCompletion {
		return executors.Completed(map[string]any{"runId": child.ID})
	}

	wctx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, cfg.Timeout.Std())
		defer cancel()
	}
	final, err := c.WaitForRun(wctx, child.ID)
	if err != nil {
		stop, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = c.CancelRun(stop, child.ID)
		if ctx.Err() != nil {
			return executors.Failed(cancelledErr(inst.key))
		}
		return executors.Failed(schema.NewErrorf(schema.ErrCodeTimeout, "sub-pipeline run %s did not finish within %s", child.ID, cfg.Timeout.Std()).
			WithStep(inst.key).
			WithDetails(map[string]any{"childRunId": child.ID}))
	}

	output := map[string]any{
		"runId":   final.ID,
		"status":  string(final.Status),
		"context": sandbox.CloneMap(final.Context),
	}
	if final.Status != schema.RunStatusCompleted {
		msg := "sub-pipeline run " + final.ID + " ended " + string(final.Status)
		se := schema.NewError(schema.ErrCodeExecution, msg).WithStep(inst.key)
		if final.Error != nil {
			se = se.WithCause(final.Error)
		}
		return &executors.Outcome{Status: executors.StatusFailed, Output: output, Error: se}
	}
	return executors.Completed(output)
}

// subPipelineInputs resolves each input path against the parent context.
func subPipelineInputs(cfg *schema.SubPipelineConfig, root map[string]any) (map[string]any, *schema.Error) {
	params := make(map[string]any, len(cfg.Inputs))
	for name, raw := range cfg.Inputs {
		path, err := sandbox.ParsePath(raw)
		if err != nil {
			return nil, schema.Wrap(err, schema.ErrCodeSandboxViolation)
		}
		v, ok := path.Get(root)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "input %s: path %s does not resolve", name, raw)
		}
		params[name] = sandbox.Clone(v)
	}
	return params, nil
}
