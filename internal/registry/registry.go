// Package registry is the versioned CRUD layer over pipeline definitions.
// Every create and update is validated; an update stores a new version and
// never touches the versions earlier runs reference.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/internal/validation"
	"github.com/rendis/conveyor/pkg/schema"
)

// ChangeKind names a registry mutation.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Change is delivered to listeners after a mutation is stored. Pipeline is
// nil for deletions.
type Change struct {
	Kind       ChangeKind
	PipelineID string
	Pipeline   *schema.PipelineDefinition
}

// Listener observes registry mutations.
type Listener func(ctx context.Context, change Change)

// Registry stores validated pipeline definitions.
type Registry struct {
	store     store.PipelineStore
	validator validation.Validator
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex // serializes version allocation
	listeners []Listener
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry over s. A nil validator skips validation.
func New(s store.PipelineStore, v validation.Validator, opts ...Option) *Registry {
	r := &Registry{
		store:     s,
		validator: v,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers a listener called synchronously after each mutation.
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Create stores def as version 1, or after the versions of a deleted
// pipeline with the same id. Returns CONFLICT if the pipeline exists.
func (r *Registry) Create(ctx context.Context, def *schema.PipelineDefinition) (*schema.PipelineDefinition, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline definition is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.store.GetPipeline(ctx, def.ID, 0); err == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "pipeline %q already exists", def.ID)
	} else if !schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil, err
	}

	// A deleted pipeline keeps its versions; a new one continues after them.
	last, err := r.store.LatestVersion(ctx, def.ID)
	if err != nil {
		return nil, err
	}
	out := copyDefinition(def)
	now := r.now()
	out.Version = last + 1
	out.CreatedAt = now
	out.UpdatedAt = now

	if err := r.validate(out); err != nil {
		return nil, err
	}
	if err := r.store.CreatePipeline(ctx, out); err != nil {
		return nil, err
	}

	r.logger.Info("pipeline created", slog.String("pipeline_id", out.ID))
	r.notifyLocked(ctx, Change{Kind: ChangeCreated, PipelineID: out.ID, Pipeline: out})
	return copyDefinition(out), nil
}

// Update stores def as the next version of an existing pipeline.
func (r *Registry) Update(ctx context.Context, def *schema.PipelineDefinition) (*schema.PipelineDefinition, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline definition is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	latest, err := r.store.GetPipeline(ctx, def.ID, 0)
	if err != nil {
		return nil, err
	}
	return r.updateLocked(ctx, latest, def)
}

func (r *Registry) updateLocked(ctx context.Context, latest, def *schema.PipelineDefinition) (*schema.PipelineDefinition, error) {
	out := copyDefinition(def)
	out.Version = latest.Version + 1
	out.CreatedAt = latest.CreatedAt
	out.UpdatedAt = r.now()

	if err := r.validate(out); err != nil {
		return nil, err
	}
	if err := r.store.CreatePipeline(ctx, out); err != nil {
		return nil, err
	}

	r.logger.Info("pipeline updated",
		slog.String("pipeline_id", out.ID),
		slog.Int("version", out.Version),
	)
	r.notifyLocked(ctx, Change{Kind: ChangeUpdated, PipelineID: out.ID, Pipeline: out})
	return copyDefinition(out), nil
}

// Apply creates def when absent and stores a new version when its content
// differs from the latest. changed is false when def matches the latest
// version, which is returned unchanged.
func (r *Registry) Apply(ctx context.Context, def *schema.PipelineDefinition) (out *schema.PipelineDefinition, changed bool, err error) {
	if def == nil {
		return nil, false, schema.NewError(schema.ErrCodeValidation, "pipeline definition is nil")
	}

	r.mu.Lock()
	latest, err := r.store.GetPipeline(ctx, def.ID, 0)
	if err != nil {
		r.mu.Unlock()
		if !schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, false, err
		}
		out, err = r.Create(ctx, def)
		return out, err == nil, err
	}
	defer r.mu.Unlock()

	same, err := sameContent(latest, def)
	if err != nil {
		return nil, false, err
	}
	if same {
		return latest, false, nil
	}
	out, err = r.updateLocked(ctx, latest, def)
	return out, err == nil, err
}

// Delete hides a pipeline from lookups of its latest version and from
// listings. Stored versions stay readable for the runs that reference them.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.DeletePipeline(ctx, id); err != nil {
		return err
	}
	r.logger.Info("pipeline deleted", slog.String("pipeline_id", id))
	r.notifyLocked(ctx, Change{Kind: ChangeDeleted, PipelineID: id})
	return nil
}

// Get returns one version of a pipeline; version 0 means the latest.
func (r *Registry) Get(ctx context.Context, id string, version int) (*schema.PipelineDefinition, error) {
	return r.store.GetPipeline(ctx, id, version)
}

// GetPipeline lets the registry serve as the engine's pipeline source. New
// runs never start from a deleted pipeline, even at an explicit version.
func (r *Registry) GetPipeline(ctx context.Context, id string, version int) (*schema.PipelineDefinition, error) {
	if version > 0 {
		if _, err := r.store.GetPipeline(ctx, id, 0); err != nil {
			return nil, err
		}
	}
	return r.Get(ctx, id, version)
}

// List returns the latest version of each pipeline matching filter.
func (r *Registry) List(ctx context.Context, filter schema.PipelineFilter) (*schema.Page[*schema.PipelineDefinition], error) {
	return r.store.ListPipelines(ctx, filter)
}

// ListPipelines lets the registry serve as a trigger source.
func (r *Registry) ListPipelines(ctx context.Context, filter schema.PipelineFilter) (*schema.Page[*schema.PipelineDefinition], error) {
	return r.List(ctx, filter)
}

func (r *Registry) validate(def *schema.PipelineDefinition) error {
	if r.validator == nil {
		return nil
	}
	if err := r.validator.ValidateDefinition(def); err != nil {
		r.logger.Debug("pipeline rejected",
			slog.String("pipeline_id", def.ID),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

func (r *Registry) notifyLocked(ctx context.Context, change Change) {
	for _, l := range r.listeners {
		l(ctx, change)
	}
}

// copyDefinition deep-copies def through JSON so callers never share step
// configs or maps with stored versions.
func copyDefinition(def *schema.PipelineDefinition) *schema.PipelineDefinition {
	data, err := json.Marshal(def)
	if err != nil {
		cp := *def
		return &cp
	}
	var out schema.PipelineDefinition
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *def
		return &cp
	}
	return &out
}

// sameContent compares two definitions ignoring version and timestamps.
func sameContent(a, b *schema.PipelineDefinition) (bool, error) {
	ca, cb := *a, *b
	for _, d := range []*schema.PipelineDefinition{&ca, &cb} {
		d.Version = 0
		d.CreatedAt = time.Time{}
		d.UpdatedAt = time.Time{}
	}
	ja, errA := json.Marshal(&ca)
	jb, errB := json.Marshal(&cb)
	if err := errors.Join(errA, errB); err != nil {
		return false, schema.NewError(schema.ErrCodeValidation, "serialize pipeline definition").WithCause(err)
	}
	return bytes.Equal(canonical(ja), canonical(jb)), nil
}

// canonical re-encodes JSON so map key order and step config whitespace do
// not count as changes.
func canonical(data []byte) []byte {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return data
	}
	out, err := json.Marshal(v)
	if err != nil {
		return data
	}
	return out
}
