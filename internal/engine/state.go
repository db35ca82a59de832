package engine

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/conveyor/internal/executors"
	"github.com/rendis/conveyor/internal/sandbox"
	"github.com/rendis/conveyor/pkg/schema"
)

// runState is the in-memory owner of one active run. Every read or write of
// run, waiters and inflight happens under mu; the controller is the only
// writer.
type runState struct {
	mu  sync.Mutex
	run *schema.Run
	def *schema.PipelineDefinition
	dag *DAG

	// ancestry holds the pipeline IDs of every run above this one.
	ancestry []string

	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span
	logger *slog.Logger

	wake    chan struct{}
	done    chan struct{}
	resumed chan struct{} // closed unless the run is paused

	inflight map[string]bool
	waiters  map[string]*waiter

	seq      uint64
	saveMu   sync.Mutex
	savedSeq uint64
	started  time.Time
}

// waiter parks a suspended step until a decision, a signal or a timeout
// resolves it.
type waiter struct {
	kind  executors.SuspensionKind
	token string
	ch    chan *executors.Outcome
	timer *time.Timer
	// stepLimit is set when the step timeout, not the suspension's own
	// timeout, arms timer.
	stepLimit time.Duration
}

// snapshot is a deep copy of a run tagged with its write sequence.
type snapshot struct {
	run *schema.Run
	seq uint64
}

func newRunState(run *schema.Run, def *schema.PipelineDefinition, dag *DAG) *runState {
	resumed := make(chan struct{})
	close(resumed)
	return &runState{
		run:      run,
		def:      def,
		dag:      dag,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		resumed:  resumed,
		inflight: make(map[string]bool),
		waiters:  make(map[string]*waiter),
	}
}

// poke wakes the scheduler loop without blocking.
func (rs *runState) poke() {
	select {
	case rs.wake <- struct{}{}:
	default:
	}
}

// gate blocks while the run is paused. It returns the context error once the
// run is cancelled.
func (rs *runState) gate(ctx context.Context) error {
	rs.mu.Lock()
	ch := rs.resumed
	rs.mu.Unlock()
	select {
	case <-ch:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rs *runState) terminalLocked() bool {
	return rs.run.Status.IsTerminal()
}

// snapshotLocked bumps the write sequence and copies the run for persisting
// outside the lock.
func (rs *runState) snapshotLocked() snapshot {
	rs.seq++
	rs.run.UpdatedAt = time.Now().UTC()
	return snapshot{run: cloneRun(rs.run), seq: rs.seq}
}

// instance is one execution of a step. Inside loop iterations the same step
// runs many times under distinct keys; prefix and locals keep those runs
// apart while the canonical StepState mirrors the latest one.
type instance struct {
	key    string
	step   *schema.Step
	cfg    schema.StepConfig
	state  *schema.StepState
	prefix string
	loop   map[string]any
	iter   *int
	locals map[string]*schema.StepState
}

func (i *instance) iterated() bool {
	return i.prefix != ""
}

// topInstanceLocked returns the instance of a step outside any loop.
func (rs *runState) topInstanceLocked(id string) *instance {
	return &instance{
		key:   id,
		step:  rs.dag.Steps[id],
		cfg:   rs.dag.Configs[id],
		state: rs.run.Steps[id],
	}
}

// childLocked returns the instance of an owned step driven by parent.
func (rs *runState) childLocked(parent *instance, id string) *instance {
	child := &instance{
		key:    parent.prefix + id,
		step:   rs.dag.Steps[id],
		cfg:    rs.dag.Configs[id],
		prefix: parent.prefix,
		loop:   parent.loop,
		iter:   parent.iter,
		locals: parent.locals,
	}
	if !child.iterated() {
		child.state = rs.run.Steps[id]
		return child
	}
	if st, ok := child.locals[id]; ok && st.StepID == child.key {
		child.state = st
		return child
	}
	child.state = &schema.StepState{StepID: child.key, Status: schema.StepStatusPending, Iteration: child.iter}
	child.locals[id] = child.state
	return child
}

// iterationLocked builds the frame of one loop pass.
func (rs *runState) iterationLocked(loop *instance, n int, item any) *instance {
	locals := make(map[string]*schema.StepState, len(loop.locals)+len(rs.dag.Owned(loop.step.ID)))
	for k, v := range loop.locals {
		locals[k] = v
	}
	idx := n
	return &instance{
		key:    loop.key,
		step:   loop.step,
		cfg:    loop.cfg,
		prefix: loop.key + ".iter_" + strconv.Itoa(n) + ".",
		loop:   map[string]any{"item": item, "index": float64(n)},
		iter:   &idx,
		locals: locals,
	}
}

// mirrorLocked copies an iterated instance's state onto the canonical
// StepState of its step. Canonical writes skip the FSM since one step may
// run many times.
func (rs *runState) mirrorLocked(inst *instance) {
	if !inst.iterated() {
		return
	}
	canon, ok := rs.run.Steps[inst.step.ID]
	if !ok {
		return
	}
	c := cloneStepState(inst.state)
	c.StepID = inst.step.ID
	*canon = *c
}

// envLocked builds the expression environment seen by inst.
func (rs *runState) envLocked(inst *instance) map[string]any {
	steps := make(map[string]any, len(rs.run.Steps))
	for id, st := range rs.run.Steps {
		steps[id] = stepView(st)
	}
	if inst != nil {
		for id, st := range inst.locals {
			steps[id] = stepView(st)
		}
	}
	env := map[string]any{
		"ctx":   sandbox.CloneMap(rs.run.Context),
		"steps": steps,
		"run": map[string]any{
			"id":          rs.run.ID,
			"pipelineId":  rs.run.PipelineID,
			"version":     float64(rs.run.Version),
			"params":      sandbox.CloneMap(rs.run.Params),
			"triggeredBy": rs.run.TriggeredBy,
		},
		"loop": nil,
	}
	if inst != nil && inst.loop != nil {
		env["loop"] = sandbox.Clone(inst.loop)
	}
	return env
}

func stepView(st *schema.StepState) map[string]any {
	return map[string]any{
		"status":   string(st.Status),
		"output":   sandbox.Clone(st.Output),
		"attempts": float64(st.Attempts),
	}
}

// statusOfLocked resolves a dependency's status from inst's point of view.
func (rs *runState) statusOfLocked(inst *instance, id string) schema.StepStatus {
	if inst != nil {
		if st, ok := inst.locals[id]; ok {
			return st.Status
		}
	}
	if st, ok := rs.run.Steps[id]; ok {
		return st.Status
	}
	return schema.StepStatusPending
}

func cloneRun(r *schema.Run) *schema.Run {
	c := *r
	c.Params = sandbox.CloneMap(r.Params)
	c.Context = sandbox.CloneMap(r.Context)
	c.Steps = make(map[string]*schema.StepState, len(r.Steps))
	for id, st := range r.Steps {
		c.Steps[id] = cloneStepState(st)
	}
	if r.Approvals != nil {
		c.Approvals = make(map[string]*schema.PendingApproval, len(r.Approvals))
		for k, a := range r.Approvals {
			ac := *a
			ac.Approvers = append([]string(nil), a.Approvers...)
			ac.Decisions = append([]schema.Decision(nil), a.Decisions...)
			c.Approvals[k] = &ac
		}
	}
	if r.WaitTokens != nil {
		c.WaitTokens = make(map[string]string, len(r.WaitTokens))
		for k, v := range r.WaitTokens {
			c.WaitTokens[k] = v
		}
	}
	return &c
}

func cloneStepState(st *schema.StepState) *schema.StepState {
	c := *st
	c.Output = sandbox.Clone(st.Output)
	c.AttemptHistory = append([]schema.AttemptRecord(nil), st.AttemptHistory...)
	if st.Iteration != nil {
		n := *st.Iteration
		c.Iteration = &n
	}
	return &c
}

// outputVariable returns the context path a step writes its output to.
func outputVariable(cfg schema.StepConfig) string {
	switch c := cfg.(type) {
	case *schema.AgentTaskConfig:
		return c.OutputVariable
	case *schema.ApprovalConfig:
		return c.OutputVariable
	case *schema.ScriptConfig:
		return c.OutputVariable
	case *schema.LoopConfig:
		return c.OutputVariable
	case *schema.WaitConfig:
		return c.OutputVariable
	case *schema.WebhookConfig:
		return c.OutputVariable
	case *schema.SubPipelineConfig:
		return c.OutputVariable
	}
	return ""
}
