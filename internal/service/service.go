// Package service is the public face of conveyor: pipeline CRUD through the
// registry, run control through the engine, and trigger firing through the
// dispatcher. The MCP server and the CLI talk only to a Service.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/rendis/conveyor/internal/diagram"
	"github.com/rendis/conveyor/internal/engine"
	"github.com/rendis/conveyor/internal/registry"
	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/internal/trigger"
	"github.com/rendis/conveyor/pkg/schema"
)

// Deps holds the collaborators of a Service.
type Deps struct {
	Registry *registry.Registry
	Engine   *engine.Controller
	Triggers *trigger.Dispatcher // nil = triggers disabled
	Logger   *slog.Logger
}

// Service wires the registry, the run controller and the trigger dispatcher.
type Service struct {
	registry *registry.Registry
	engine   *engine.Controller
	triggers *trigger.Dispatcher
	logger   *slog.Logger
}

// New creates a Service and subscribes the trigger dispatcher to registry
// changes, so bindings follow every created, updated or deleted pipeline.
func New(deps Deps) (*Service, error) {
	if deps.Registry == nil {
		return nil, errors.New("service: registry is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("service: engine is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Service{
		registry: deps.Registry,
		engine:   deps.Engine,
		triggers: deps.Triggers,
		logger:   deps.Logger,
	}
	if s.triggers != nil {
		s.registry.Subscribe(s.onPipelineChange)
	}
	return s, nil
}

func (s *Service) onPipelineChange(_ context.Context, change registry.Change) {
	if change.Kind == registry.ChangeDeleted {
		s.triggers.Unregister(change.PipelineID)
		return
	}
	if err := s.triggers.Register(change.Pipeline); err != nil {
		s.logger.Warn("trigger not bound",
			slog.String("pipeline_id", change.PipelineID),
			slog.String("error", err.Error()),
		)
	}
}

// Start binds the triggers of every stored pipeline and starts the cron
// scheduler. It is a no-op without a dispatcher.
func (s *Service) Start(ctx context.Context) error {
	if s.triggers == nil {
		return nil
	}
	err := s.triggers.Sync(ctx, s.registry)
	s.triggers.Start()
	return err
}

// Close stops the triggers first so no new run starts, then drains the engine.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	if s.triggers != nil {
		errs = append(errs, s.triggers.Stop(ctx))
	}
	errs = append(errs, s.engine.Close(ctx))
	return errors.Join(errs...)
}

// --- pipelines ---

func (s *Service) CreatePipeline(ctx context.Context, def *schema.PipelineDefinition) (*schema.PipelineDefinition, error) {
	return s.registry.Create(ctx, def)
}

func (s *Service) UpdatePipeline(ctx context.Context, def *schema.PipelineDefinition) (*schema.PipelineDefinition, error) {
	return s.registry.Update(ctx, def)
}

// ApplyPipeline creates or updates def; changed is false when def matches
// the stored latest version.
func (s *Service) ApplyPipeline(ctx context.Context, def *schema.PipelineDefinition) (*schema.PipelineDefinition, bool, error) {
	return s.registry.Apply(ctx, def)
}

// DeletePipeline deletes a pipeline. Its versions stay resolvable by number
// for existing runs. A pipeline with non-terminal runs cannot be deleted.
func (s *Service) DeletePipeline(ctx context.Context, id string) error {
	if s.engine.HasActiveRuns(id) {
		return schema.NewErrorf(schema.ErrCodeConflict, "pipeline %q has active runs", id)
	}
	return s.registry.Delete(ctx, id)
}

// GetPipeline returns one version of a pipeline; version 0 means the latest.
func (s *Service) GetPipeline(ctx context.Context, id string, version int) (*schema.PipelineDefinition, error) {
	return s.registry.Get(ctx, id, version)
}

func (s *Service) ListPipelines(ctx context.Context, filter schema.PipelineFilter) (*schema.Page[*schema.PipelineDefinition], error) {
	return s.registry.List(ctx, filter)
}

// --- runs ---

func (s *Service) RunPipeline(ctx context.Context, id string, req engine.RunRequest) (*schema.Run, error) {
	if req.TriggeredBy == "" {
		req.TriggeredBy = string(schema.TriggerManual)
	}
	return s.engine.RunPipeline(ctx, id, req)
}

func (s *Service) GetRun(ctx context.Context, runID string) (*schema.Run, error) {
	return s.engine.GetRun(ctx, runID)
}

func (s *Service) ListRuns(ctx context.Context, pipelineID string, filter schema.RunFilter) (*schema.Page[*schema.Run], error) {
	return s.engine.ListRuns(ctx, pipelineID, filter)
}

// WaitForRun blocks until the run reaches a terminal status or ctx is done.
func (s *Service) WaitForRun(ctx context.Context, runID string) (*schema.Run, error) {
	return s.engine.WaitForRun(ctx, runID)
}

func (s *Service) PauseRun(ctx context.Context, runID string) error {
	return s.engine.PauseRun(ctx, runID)
}

func (s *Service) ResumeRun(ctx context.Context, runID string) error {
	return s.engine.ResumeRun(ctx, runID)
}

func (s *Service) CancelRun(ctx context.Context, runID string) error {
	return s.engine.CancelRun(ctx, runID)
}

func (s *Service) SubmitApproval(ctx context.Context, runID, stepID string, decision schema.Decision) error {
	return s.engine.SubmitApproval(ctx, runID, stepID, decision)
}

// SignalWait resumes the wait step holding token, merging payload into its
// output.
func (s *Service) SignalWait(ctx context.Context, token string, payload map[string]any) error {
	return s.engine.SignalWait(ctx, token, payload)
}

// RunEvents returns the run's event history after sequence number since.
func (s *Service) RunEvents(ctx context.Context, runID string, since int64) ([]*store.Event, error) {
	return s.engine.RunEvents(ctx, runID, since)
}

// --- triggers ---

var errTriggersDisabled = schema.NewError(schema.ErrCodeValidation, "triggers are disabled")

// FireWebhook starts a run of the pipeline bound to path.
func (s *Service) FireWebhook(ctx context.Context, path string, payload map[string]any) (*schema.Run, error) {
	if s.triggers == nil {
		return nil, errTriggersDisabled
	}
	return s.triggers.FireWebhook(ctx, path, payload)
}

// PublishEvent offers ev to every matching event trigger.
func (s *Service) PublishEvent(ctx context.Context, ev trigger.Event) ([]*schema.Run, error) {
	if s.triggers == nil {
		return nil, errTriggersDisabled
	}
	return s.triggers.Publish(ctx, ev)
}

// Schedules lists the bound cron triggers; nil without a dispatcher.
func (s *Service) Schedules() []trigger.ScheduleInfo {
	if s.triggers == nil {
		return nil
	}
	return s.triggers.Schedules()
}

// WebhookHandler serves webhook triggers under prefix, or 404s everything
// when triggers are disabled.
func (s *Service) WebhookHandler(prefix string) http.Handler {
	if s.triggers == nil {
		return http.NotFoundHandler()
	}
	return s.triggers.Handler(prefix)
}

// --- diagrams ---

// GraphRequest selects what Graph draws. With RunID set, the run's pipeline
// version is drawn with its step states overlaid and the other fields are
// ignored.
type GraphRequest struct {
	PipelineID string
	Version    int
	RunID      string
}

// Graph builds the diagram model of a pipeline or run.
func (s *Service) Graph(ctx context.Context, req GraphRequest) (*diagram.DiagramModel, error) {
	var run *schema.Run
	if req.RunID != "" {
		r, err := s.engine.GetRun(ctx, req.RunID)
		if err != nil {
			return nil, err
		}
		run = r
		req.PipelineID, req.Version = r.PipelineID, r.Version
	}
	if req.PipelineID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline id or run id is required")
	}
	def, err := s.registry.Get(ctx, req.PipelineID, req.Version)
	if err != nil {
		return nil, err
	}
	return diagram.Build(def, run)
}
