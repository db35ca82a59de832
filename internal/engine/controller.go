// Package engine drives pipeline runs: it builds the step graph, schedules
// runnable steps, wraps executor calls with retries and owns every write to
// run and step state.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/conveyor/internal/executors"
	"github.com/rendis/conveyor/internal/logging"
	"github.com/rendis/conveyor/internal/metrics"
	"github.com/rendis/conveyor/internal/sandbox"
	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/pkg/schema"
)

// DefaultPoolSize is the default number of executor attempts running at once.
const DefaultPoolSize = 10

// PipelineSource resolves definitions for runs and sub-pipelines. Version 0
// means the latest.
type PipelineSource interface {
	GetPipeline(ctx context.Context, id string, version int) (*schema.PipelineDefinition, error)
}

// Config holds the controller's collaborators.
type Config struct {
	Store          store.Store
	Pipelines      PipelineSource // nil = Store
	Executors      *executors.Registry
	Sandbox        *sandbox.Sandbox // nil = sandbox.New()
	Logger         *slog.Logger     // nil = slog.Default()
	Metrics        *metrics.Metrics // nil = no metrics
	PoolSize       int
	CircuitBreaker *CircuitBreakerConfig // nil = defaults
}

// RunRequest carries the trigger input of a new run.
type RunRequest struct {
	Params      map[string]any `json:"params,omitempty"`
	TriggeredBy string         `json:"triggeredBy,omitempty"`
	Version     int            `json:"version,omitempty"`
}

// Controller is the run controller: the single writer of run and step state.
type Controller struct {
	store     store.Store
	pipelines PipelineSource
	events    *store.EventLog
	execs     *executors.Registry
	sandbox   *sandbox.Sandbox
	logger    *slog.Logger
	metrics   *metrics.Metrics
	pool      *executorPool
	breakers  *CircuitBreakerRegistry
	runFSM    *RunFSM
	stepFSM   *StepFSM
	tracer    trace.Tracer

	mu     sync.Mutex
	runs   map[string]*runState
	tokens map[string]string // wait token → run ID
	closed bool
	wg     sync.WaitGroup
}

// New creates a Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store")
	}
	if cfg.Executors == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires an executor registry")
	}
	if cfg.Pipelines == nil {
		cfg.Pipelines = cfg.Store
	}
	if cfg.Sandbox == nil {
		cfg.Sandbox = sandbox.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}

	events := store.NewEventLog(cfg.Store)
	c := &Controller{
		store:     cfg.Store,
		pipelines: cfg.Pipelines,
		events:    events,
		execs:     cfg.Executors,
		sandbox:   cfg.Sandbox,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		pool:      newExecutorPool(cfg.PoolSize, cfg.Metrics.ExecutorSlotsBusy),
		breakers:  NewCircuitBreakerRegistry(cbConfig),
		runFSM:    NewRunFSM(events),
		stepFSM:   NewStepFSM(events),
		tracer:    otel.Tracer("github.com/rendis/conveyor/engine"),
		runs:      make(map[string]*runState),
		tokens:    make(map[string]string),
	}
	c.breakers.OnStateChange(func(key string, from, to CircuitState) {
		c.metrics.CircuitState(key, int(to))
		c.logger.Warn("circuit breaker state changed", "target", key, "from", from.String(), "to", to.String())
	})
	return c, nil
}

// ExecutorStats reports executor pool usage across all runs.
func (c *Controller) ExecutorStats() PoolStats {
	return c.pool.Stats()
}

// Breakers exposes the circuit breaker registry.
func (c *Controller) Breakers() *CircuitBreakerRegistry {
	return c.breakers
}

// RunPipeline resolves the pipeline and starts a run of it.
func (c *Controller) RunPipeline(ctx context.Context, pipelineID string, req RunRequest) (*schema.Run, error) {
	def, err := c.pipelines.GetPipeline(ctx, pipelineID, req.Version)
	if err != nil {
		return nil, err
	}
	return c.start(ctx, def, req, nil, "")
}

// Start begins a run of def and returns its initial snapshot. The run
// proceeds in the background.
func (c *Controller) Start(ctx context.Context, def *schema.PipelineDefinition, req RunRequest) (*schema.Run, error) {
	return c.start(ctx, def, req, nil, "")
}

func (c *Controller) start(ctx context.Context, def *schema.PipelineDefinition, req RunRequest, parent *runState, parentStep string) (*schema.Run, error) {
	dag, err := ParseDAG(def)
	if err != nil {
		return nil, err
	}

	var ancestry []string
	if parent != nil {
		ancestry = append(append([]string(nil), parent.ancestry...), parent.def.ID)
		for _, id := range ancestry {
			if id == def.ID {
				chain := append(append([]string(nil), ancestry...), def.ID)
				return nil, schema.NewErrorf(schema.ErrCodeRecursivePipeline,
					"pipeline %s would invoke itself: %v", def.ID, chain).
					WithStep(parentStep).
					WithDetails(map[string]any{"chain": chain})
			}
		}
	}

	params := map[string]any{}
	if len(req.Params) > 0 {
		norm, err := sandbox.Normalize(req.Params)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "params are not JSON values: %s", err.Error()).WithCause(err)
		}
		params, _ = norm.(map[string]any)
	}
	runCtx := sandbox.CloneMap(def.ContextDefaults)
	for k, v := range params {
		runCtx[k] = sandbox.Clone(v)
	}

	now := time.Now().UTC()
	run := &schema.Run{
		ID:          uuid.NewString(),
		PipelineID:  def.ID,
		Version:     def.Version,
		Status:      schema.RunStatusPending,
		TriggeredBy: req.TriggeredBy,
		Params:      params,
		Context:     runCtx,
		Steps:       make(map[string]*schema.StepState, len(def.Steps)),
		Approvals:   make(map[string]*schema.PendingApproval),
		WaitTokens:  make(map[string]string),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if parent != nil {
		run.ParentRunID = parent.run.ID
		run.ParentStepID = parentStep
	}
	for _, step := range def.Steps {
		run.Steps[step.ID] = &schema.StepState{StepID: step.ID, Status: schema.StepStatusPending}
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, schema.NewError(schema.ErrCodeConflict, "engine is shutting down")
	}

	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, schema.Wrap(err, schema.ErrCodeStore)
	}
	c.appendEvent(ctx, run.ID, "", schema.EventRunCreated, map[string]any{
		"pipelineId":  def.ID,
		"version":     def.Version,
		"triggeredBy": req.TriggeredBy,
	})

	rs := newRunState(run, def, dag)
	rs.ancestry = ancestry
	rs.started = now
	base := logging.WithIDs(context.Background(), def.ID, run.ID)
	_, span := c.tracer.Start(ctx, "conveyor.run",
		trace.WithAttributes(
			attribute.String("conveyor.pipeline_id", def.ID),
			attribute.Int("conveyor.pipeline_version", def.Version),
			attribute.String("conveyor.run_id", run.ID),
		))
	rs.span = span
	rs.ctx, rs.cancel = context.WithCancel(trace.ContextWithSpan(base, span))
	rs.logger = logging.LogWith(base, c.logger)

	rs.mu.Lock()
	if err := c.runFSM.Transition(rs.ctx, run.ID, schema.RunStatusPending, schema.RunStatusRunning, nil); err != nil {
		c.logTransitionErr(rs, err)
	}
	run.Status = schema.RunStatusRunning
	run.StartedAt = &now
	snap := rs.snapshotLocked()
	out := cloneRun(run)
	rs.mu.Unlock()

	c.mu.Lock()
	c.runs[run.ID] = rs
	c.wg.Add(1)
	c.mu.Unlock()

	c.persist(rs, snap)
	c.metrics.RunStarted(def.ID)
	rs.logger.Info("run started", "version", def.Version, "triggered_by", req.TriggeredBy)

	go c.schedule(rs)
	rs.poke()
	return out, nil
}

func (c *Controller) active(runID string) (*runState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.runs[runID]
	return rs, ok
}

// GetRun returns the live state of an active run, or the stored one.
func (c *Controller) GetRun(ctx context.Context, runID string) (*schema.Run, error) {
	if rs, ok := c.active(runID); ok {
		rs.mu.Lock()
		defer rs.mu.Unlock()
		return cloneRun(rs.run), nil
	}
	return c.store.GetRun(ctx, runID)
}

// ListRuns lists stored runs of a pipeline, newest first.
func (c *Controller) ListRuns(ctx context.Context, pipelineID string, filter schema.RunFilter) (*schema.Page[*schema.Run], error) {
	return c.store.ListRuns(ctx, pipelineID, filter)
}

// RunEvents returns the recorded history of a run.
func (c *Controller) RunEvents(ctx context.Context, runID string, since int64) ([]*store.Event, error) {
	return c.events.GetEvents(ctx, runID, since)
}

// HasActiveRuns reports whether any run of the pipeline is still in flight.
func (c *Controller) HasActiveRuns(pipelineID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rs := range c.runs {
		if rs.def.ID == pipelineID {
			return true
		}
	}
	return false
}

// WaitForRun blocks until the run is terminal or ctx is done.
func (c *Controller) WaitForRun(ctx context.Context, runID string) (*schema.Run, error) {
	if rs, ok := c.active(runID); ok {
		select {
		case <-rs.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.store.GetRun(ctx, runID)
}

// PauseRun stops new steps from starting. In-flight steps finish.
func (c *Controller) PauseRun(ctx context.Context, runID string) error {
	rs, err := c.mustActive(ctx, runID)
	if err != nil {
		return err
	}
	rs.mu.Lock()
	if err := c.runFSM.Transition(rs.ctx, runID, rs.run.Status, schema.RunStatusPaused, nil); err != nil && !schema.IsCode(err, schema.ErrCodeStore) {
		rs.mu.Unlock()
		return err
	}
	rs.run.Status = schema.RunStatusPaused
	rs.resumed = make(chan struct{})
	snap := rs.snapshotLocked()
	rs.mu.Unlock()

	c.persist(rs, snap)
	rs.logger.Info("run paused")
	return nil
}

// ResumeRun lets a paused run schedule steps again.
func (c *Controller) ResumeRun(ctx context.Context, runID string) error {
	rs, err := c.mustActive(ctx, runID)
	if err != nil {
		return err
	}
	rs.mu.Lock()
	from := rs.run.Status
	if from != schema.RunStatusPaused {
		rs.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is %s, not paused", runID, from)
	}
	if err := c.runFSM.Transition(rs.ctx, runID, from, schema.RunStatusRunning, nil); err != nil && !schema.IsCode(err, schema.ErrCodeStore) {
		rs.mu.Unlock()
		return err
	}
	rs.run.Status = schema.RunStatusRunning
	close(rs.resumed)
	snap := rs.snapshotLocked()
	rs.mu.Unlock()

	c.persist(rs, snap)
	rs.logger.Info("run resumed")
	rs.poke()
	return nil
}

// CancelRun marks the run cancelled and signals in-flight executors. It does
// not wait for them to exit.
func (c *Controller) CancelRun(ctx context.Context, runID string) error {
	rs, err := c.mustActive(ctx, runID)
	if err != nil {
		return err
	}
	rs.mu.Lock()
	if rs.terminalLocked() {
		status := rs.run.Status
		rs.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is already %s", runID, status)
	}
	snap := c.endRunLocked(rs, schema.RunStatusCancelled, nil)
	rs.mu.Unlock()

	c.persist(rs, snap)
	rs.poke()
	return nil
}

// mustActive returns the active run, or an error describing why it is not
// controllable.
func (c *Controller) mustActive(ctx context.Context, runID string) (*runState, error) {
	if rs, ok := c.active(runID); ok {
		return rs, nil
	}
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is already %s", runID, run.Status)
	}
	return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s is not active in this process", runID)
}

// endRunLocked moves the run to a terminal status, cancels every unfinished
// step and releases suspensions. The scheduler loop notices and exits.
func (c *Controller) endRunLocked(rs *runState, to schema.RunStatus, cause *schema.Error) snapshot {
	from := rs.run.Status
	var payload any
	if cause != nil {
		payload = map[string]any{"error": cause}
	}
	if err := c.runFSM.Transition(rs.ctx, rs.run.ID, from, to, payload); err != nil {
		c.logTransitionErr(rs, err)
	}

	now := time.Now().UTC()
	rs.run.Status = to
	rs.run.Error = cause
	rs.run.CompletedAt = &now

	for _, id := range rs.dag.Sorted {
		st := rs.run.Steps[id]
		if st.Status.IsTerminal() {
			continue
		}
		c.setStepStatusLocked(rs, rs.topInstanceLocked(id), schema.StepStatusCancelled, nil)
	}
	for key, w := range rs.waiters {
		c.dropWaiterLocked(rs, key, w)
	}
	if from == schema.RunStatusPaused {
		close(rs.resumed)
	}
	rs.cancel()

	c.metrics.RunFinished(rs.def.ID, string(to), now.Sub(rs.started))
	if cause != nil {
		rs.span.RecordError(cause)
		rs.logger.Warn("run ended", "status", string(to), "error", cause.Error())
	} else {
		rs.logger.Info("run ended", "status", string(to))
	}
	return rs.snapshotLocked()
}

// schedule is the per-run scheduler loop.
func (c *Controller) schedule(rs *runState) {
	defer c.wg.Done()
	for range rs.wake {
		if c.advance(rs) {
			break
		}
	}

	rs.mu.Lock()
	snap := rs.snapshotLocked()
	status := rs.run.Status
	rs.mu.Unlock()
	c.persist(rs, snap)

	if status == schema.RunStatusFailed || status == schema.RunStatusCancelled {
		rs.span.SetAttributes(attribute.String("conveyor.run_status", string(status)))
	}
	rs.span.End()

	c.mu.Lock()
	delete(c.runs, rs.run.ID)
	for token, runID := range c.tokens {
		if runID == rs.run.ID {
			delete(c.tokens, token)
		}
	}
	c.mu.Unlock()
	close(rs.done)
}

// persist writes a snapshot unless a newer one was already written.
func (c *Controller) persist(rs *runState, snap snapshot) {
	rs.saveMu.Lock()
	defer rs.saveMu.Unlock()
	if snap.seq <= rs.savedSeq {
		return
	}
	if err := c.store.SaveRun(context.WithoutCancel(rs.ctx), snap.run); err != nil {
		rs.logger.Error("persist run", "error", err)
		return
	}
	rs.savedSeq = snap.seq
}

func (c *Controller) appendEvent(ctx context.Context, runID, stepID, eventType string, payload any) {
	if err := c.events.Append(context.WithoutCancel(ctx), runID, stepID, eventType, payload); err != nil {
		c.logger.Error("append event", "run_id", runID, "step_id", stepID, "event", eventType, "error", err)
	}
}

func (c *Controller) logTransitionErr(rs *runState, err error) {
	if schema.IsCode(err, schema.ErrCodeStore) {
		rs.logger.Error("transition event not recorded", "error", err)
		return
	}
	rs.logger.Error("unexpected transition", "error", err)
}

// Close cancels every active run and waits for the scheduler loops and
// executor attempts to exit.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	active := make([]*runState, 0, len(c.runs))
	for _, rs := range c.runs {
		active = append(active, rs)
	}
	c.mu.Unlock()

	for _, rs := range active {
		rs.mu.Lock()
		if !rs.terminalLocked() {
			snap := c.endRunLocked(rs, schema.RunStatusCancelled,
				schema.NewError(schema.ErrCodeCancelled, "engine shutting down"))
			rs.mu.Unlock()
			c.persist(rs, snap)
		} else {
			rs.mu.Unlock()
		}
		rs.poke()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		c.pool.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
