// Package trigger binds pipeline triggers to their sources: cron schedules,
// inbound webhook paths and published domain events. Every fire starts a run
// through the Runner with the trigger's static params merged with the
// fire's payload.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/conveyor/internal/engine"
	"github.com/rendis/conveyor/internal/metrics"
	"github.com/rendis/conveyor/internal/sandbox"
	"github.com/rendis/conveyor/pkg/schema"
)

// Runner starts pipeline runs. Satisfied by the engine controller.
type Runner interface {
	RunPipeline(ctx context.Context, pipelineID string, req engine.RunRequest) (*schema.Run, error)
}

// Source lists the definitions whose triggers should be bound.
type Source interface {
	ListPipelines(ctx context.Context, filter schema.PipelineFilter) (*schema.Page[*schema.PipelineDefinition], error)
}

// Event is a domain event offered to event triggers.
type Event struct {
	Type   string         `json:"type"`
	Source string         `json:"source,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// ScheduleInfo describes one bound cron schedule.
type ScheduleInfo struct {
	PipelineID string    `json:"pipelineId"`
	Schedule   string    `json:"schedule"`
	Next       time.Time `json:"next"`
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a five-field cron expression or a descriptor such as
// "@hourly".
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q: %s", spec, err.Error()).WithCause(err)
	}
	return sched, nil
}

// NormalizePath returns the canonical form of a webhook binding path.
func NormalizePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	return path
}

// Config holds the dispatcher's collaborators.
type Config struct {
	Runner   Runner
	Logger   *slog.Logger     // nil = slog.Default()
	Metrics  *metrics.Metrics // nil = no metrics
	Filters  *FilterEngine    // nil = NewFilterEngine()
	Location *time.Location   // nil = UTC
}

type binding struct {
	pipelineID string
	trigger    schema.Trigger
	entry      cron.EntryID
}

// Dispatcher owns the live trigger bindings.
type Dispatcher struct {
	runner  Runner
	logger  *slog.Logger
	metrics *metrics.Metrics
	filters *FilterEngine
	cron    *cron.Cron

	mu       sync.Mutex
	bindings map[string]*binding // pipeline ID → binding
	webhooks map[string]string   // path → pipeline ID
	baseCtx  context.Context
	cancel   context.CancelFunc
	started  bool
}

// NewDispatcher creates a Dispatcher. It does not fire until Start.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Runner == nil {
		return nil, errors.New("trigger: runner is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Filters == nil {
		f, err := NewFilterEngine()
		if err != nil {
			return nil, err
		}
		cfg.Filters = f
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		runner:   cfg.Runner,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		filters:  cfg.Filters,
		cron:     cron.New(cron.WithParser(cronParser), cron.WithLocation(cfg.Location), cron.WithChain(cron.Recover(cron.DiscardLogger))),
		bindings: make(map[string]*binding),
		webhooks: make(map[string]string),
		baseCtx:  baseCtx,
		cancel:   cancel,
	}, nil
}

// Register binds def's trigger, replacing any previous binding of the same
// pipeline. Manual and disabled triggers are unbound.
func (d *Dispatcher) Register(def *schema.PipelineDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "pipeline definition is nil")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.unregisterLocked(def.ID)

	t := def.Trigger
	if !t.IsEnabled() || t.Type == "" || t.Type == schema.TriggerManual {
		return nil
	}

	b := &binding{pipelineID: def.ID, trigger: t}
	switch t.Type {
	case schema.TriggerSchedule:
		sched, err := ParseSchedule(t.Config.Schedule)
		if err != nil {
			return err
		}
		id := def.ID
		b.entry = d.cron.Schedule(sched, cron.FuncJob(func() {
			d.fireSchedule(id)
		}))

	case schema.TriggerWebhook:
		path := NormalizePath(t.Config.Path)
		if path == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "pipeline %s: webhook trigger requires a path", def.ID)
		}
		if owner, taken := d.webhooks[path]; taken {
			return schema.NewErrorf(schema.ErrCodeConflict, "webhook path %s is already bound to pipeline %s", path, owner)
		}
		d.webhooks[path] = def.ID

	case schema.TriggerEvent:
		if t.Config.Event == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "pipeline %s: event trigger requires an event type", def.ID)
		}
		if t.Config.Filter != "" {
			if err := d.filters.Check(t.Config.Filter); err != nil {
				return err
			}
		}

	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "pipeline %s: unknown trigger type %q", def.ID, t.Type)
	}

	d.bindings[def.ID] = b
	d.logger.Debug("trigger bound",
		slog.String("pipeline_id", def.ID),
		slog.String("type", string(t.Type)),
	)
	return nil
}

// Unregister drops the binding of a pipeline, if any.
func (d *Dispatcher) Unregister(pipelineID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unregisterLocked(pipelineID)
}

func (d *Dispatcher) unregisterLocked(pipelineID string) {
	b, ok := d.bindings[pipelineID]
	if !ok {
		return
	}
	switch b.trigger.Type {
	case schema.TriggerSchedule:
		d.cron.Remove(b.entry)
	case schema.TriggerWebhook:
		delete(d.webhooks, NormalizePath(b.trigger.Config.Path))
	}
	delete(d.bindings, pipelineID)
}

// Sync rebinds every pipeline listed by src and drops bindings of pipelines
// that no longer exist. Per-pipeline failures are logged and returned joined.
func (d *Dispatcher) Sync(ctx context.Context, src Source) error {
	seen := make(map[string]bool)
	var errs []error

	cursor := ""
	for {
		page, err := src.ListPipelines(ctx, schema.PipelineFilter{Cursor: cursor, Limit: 100})
		if err != nil {
			return fmt.Errorf("list pipelines: %w", err)
		}
		for _, def := range page.Items {
			seen[def.ID] = true
			if err := d.Register(def); err != nil {
				d.logger.Warn("failed to bind trigger",
					slog.String("pipeline_id", def.ID),
					slog.String("error", err.Error()),
				)
				errs = append(errs, err)
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	d.mu.Lock()
	for id := range d.bindings {
		if !seen[id] {
			d.unregisterLocked(id)
		}
	}
	d.mu.Unlock()

	return errors.Join(errs...)
}

// Start launches the cron loop.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.cron.Start()
	d.logger.Info("trigger dispatcher started")
}

// Stop halts the cron loop, waits for running schedule jobs and cancels the
// context handed to runs started by schedules.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	started := d.started
	d.started = false
	d.mu.Unlock()

	if started {
		select {
		case <-d.cron.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.cancel()
	d.logger.Info("trigger dispatcher stopped")
	return nil
}

// Schedules lists bound cron schedules with their next fire time, ordered by
// pipeline ID.
func (d *Dispatcher) Schedules() []ScheduleInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]ScheduleInfo, 0)
	for id, b := range d.bindings {
		if b.trigger.Type != schema.TriggerSchedule {
			continue
		}
		out = append(out, ScheduleInfo{
			PipelineID: id,
			Schedule:   b.trigger.Config.Schedule,
			Next:       d.cron.Entry(b.entry).Schedule.Next(time.Now()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PipelineID < out[j].PipelineID })
	return out
}

// FireSchedule starts a run of a schedule-bound pipeline immediately.
func (d *Dispatcher) FireSchedule(ctx context.Context, pipelineID string) (*schema.Run, error) {
	b, ok := d.lookup(pipelineID)
	if !ok || b.trigger.Type != schema.TriggerSchedule {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no schedule bound for pipeline %s", pipelineID)
	}
	return d.fire(ctx, b, "schedule:"+b.trigger.Config.Schedule, nil)
}

func (d *Dispatcher) fireSchedule(pipelineID string) {
	_, _ = d.FireSchedule(d.baseCtx, pipelineID)
}

// FireWebhook starts a run of the pipeline bound to path. Payload keys
// overlay the trigger's static params.
func (d *Dispatcher) FireWebhook(ctx context.Context, path string, payload map[string]any) (*schema.Run, error) {
	path = NormalizePath(path)

	d.mu.Lock()
	id, ok := d.webhooks[path]
	var b *binding
	if ok {
		b = d.bindings[id]
	}
	d.mu.Unlock()

	if b == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no pipeline bound to webhook path %s", path)
	}
	return d.fire(ctx, b, "webhook:"+path, payload)
}

// Publish offers ev to every event trigger of its type whose filter matches
// and returns the runs started, ordered by pipeline ID. Matching pipelines
// that fail to start are reported in the joined error.
func (d *Dispatcher) Publish(ctx context.Context, ev Event) ([]*schema.Run, error) {
	if ev.Type == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "event type is required")
	}

	d.mu.Lock()
	candidates := make([]*binding, 0)
	for _, b := range d.bindings {
		if b.trigger.Type == schema.TriggerEvent && b.trigger.Config.Event == ev.Type {
			candidates = append(candidates, b)
		}
	}
	d.mu.Unlock()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].pipelineID < candidates[j].pipelineID })

	source := ev.Source
	if source == "" {
		source = ev.Type
	}
	payload := map[string]any{
		"event": map[string]any{"type": ev.Type, "source": ev.Source, "data": sandbox.CloneMap(ev.Data)},
	}

	var runs []*schema.Run
	var errs []error
	for _, b := range candidates {
		matched, err := d.filters.Match(b.trigger.Config.Filter, ev)
		if err != nil {
			errs = append(errs, fmt.Errorf("pipeline %s: %w", b.pipelineID, err))
			continue
		}
		if !matched {
			continue
		}
		run, err := d.fire(ctx, b, "event:"+source, payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("pipeline %s: %w", b.pipelineID, err))
			continue
		}
		runs = append(runs, run)
	}
	return runs, errors.Join(errs...)
}

func (d *Dispatcher) lookup(pipelineID string) (*binding, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.bindings[pipelineID]
	return b, ok
}

func (d *Dispatcher) fire(ctx context.Context, b *binding, triggeredBy string, payload map[string]any) (*schema.Run, error) {
	params := sandbox.CloneMap(b.trigger.Config.Params)
	if params == nil {
		params = make(map[string]any, len(payload))
	}
	for k, v := range payload {
		params[k] = v
	}

	run, err := d.runner.RunPipeline(ctx, b.pipelineID, engine.RunRequest{Params: params, TriggeredBy: triggeredBy})
	if err != nil {
		d.metrics.TriggerFired(string(b.trigger.Type), "error")
		d.logger.Error("trigger fire failed",
			slog.String("pipeline_id", b.pipelineID),
			slog.String("triggered_by", triggeredBy),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	d.metrics.TriggerFired(string(b.trigger.Type), "ok")
	d.logger.Info("trigger fired",
		slog.String("pipeline_id", b.pipelineID),
		slog.String("run_id", run.ID),
		slog.String("triggered_by", triggeredBy),
	)
	return run, nil
}
