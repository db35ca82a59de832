package registry

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/internal/validation"
	"github.com/rendis/conveyor/pkg/schema"
)

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) listen(_ context.Context, c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) kinds() []ChangeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChangeKind, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.Kind
	}
	return out
}

func newRegistry(t *testing.T) (*Registry, *recorder) {
	t.Helper()
	v, err := validation.NewPipelineValidator(nil)
	require.NoError(t, err)

	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		tick = tick.Add(time.Minute)
		return tick
	}
	r := New(store.NewMemoryStore(), v,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(clock),
	)
	rec := &recorder{}
	r.Subscribe(rec.listen)
	return r, rec
}

func pipelineDef(id string, script string) *schema.PipelineDefinition {
	return &schema.PipelineDefinition{
		ID:   id,
		Name: "Pipeline " + id,
		Steps: []schema.Step{
			{ID: "run", Type: schema.StepTypeScript, Config: schema.MustConfig(map[string]any{"script": script})},
		},
		Tags: []string{"ci"},
	}
}

func TestCreate(t *testing.T) {
	r, rec := newRegistry(t)
	ctx := context.Background()

	in := pipelineDef("build", "make")
	in.Version = 7
	out, err := r.Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Version)
	assert.False(t, out.CreatedAt.IsZero())
	assert.Equal(t, out.CreatedAt, out.UpdatedAt)
	assert.Equal(t, 7, in.Version, "input is not mutated")

	got, err := r.Get(ctx, "build", 0)
	require.NoError(t, err)
	assert.Equal(t, "Pipeline build", got.Name)
	assert.Equal(t, []ChangeKind{ChangeCreated}, rec.kinds())
}

func TestCreate_Conflict(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	_, err := r.Create(ctx, pipelineDef("build", "make"))
	require.NoError(t, err)
	_, err = r.Create(ctx, pipelineDef("build", "make"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestCreate_ValidationRejects(t *testing.T) {
	r, rec := newRegistry(t)
	ctx := context.Background()

	def := pipelineDef("loop", "x")
	def.Steps = append(def.Steps,
		schema.Step{ID: "a", Type: schema.StepTypeScript, Config: schema.MustConfig(map[string]any{"script": "a"}), DependsOn: []string{"b"}},
		schema.Step{ID: "b", Type: schema.StepTypeScript, Config: schema.MustConfig(map[string]any{"script": "b"}), DependsOn: []string{"a"}},
	)
	_, err := r.Create(ctx, def)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCycleDetected))

	_, err = r.Get(ctx, "loop", 0)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound), "rejected definitions are not stored")
	assert.Empty(t, rec.kinds())
}

func TestUpdate_NewVersion(t *testing.T) {
	r, rec := newRegistry(t)
	ctx := context.Background()

	v1, err := r.Create(ctx, pipelineDef("build", "make"))
	require.NoError(t, err)

	v2, err := r.Update(ctx, pipelineDef("build", "make test"))
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, v1.CreatedAt, v2.CreatedAt)
	assert.True(t, v2.UpdatedAt.After(v1.UpdatedAt))

	old, err := r.Get(ctx, "build", 1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"script":"make"}`, string(old.Steps[0].Config), "earlier versions are untouched")

	latest, err := r.Get(ctx, "build", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, []ChangeKind{ChangeCreated, ChangeUpdated}, rec.kinds())
}

func TestUpdate_NotFound(t *testing.T) {
	r, _ := newRegistry(t)
	_, err := r.Update(context.Background(), pipelineDef("ghost", "x"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestUpdate_InvalidKeepsLatest(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	_, err := r.Create(ctx, pipelineDef("build", "make"))
	require.NoError(t, err)

	bad := pipelineDef("build", "make")
	bad.Steps[0].Condition = "constructor"
	_, err = r.Update(ctx, bad)
	assert.True(t, schema.IsCode(err, schema.ErrCodeSandboxViolation))

	latest, err := r.Get(ctx, "build", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Version)
}

func TestApply(t *testing.T) {
	r, rec := newRegistry(t)
	ctx := context.Background()

	out, changed, err := r.Apply(ctx, pipelineDef("build", "make"))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 1, out.Version)

	same := pipelineDef("build", "make")
	same.Steps[0].Config = []byte(`{ "script" : "make" }`)
	out, changed, err = r.Apply(ctx, same)
	require.NoError(t, err)
	assert.False(t, changed, "whitespace in config is not a change")
	assert.Equal(t, 1, out.Version)

	out, changed, err = r.Apply(ctx, pipelineDef("build", "make all"))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 2, out.Version)

	assert.Equal(t, []ChangeKind{ChangeCreated, ChangeUpdated}, rec.kinds())
}

func TestDelete(t *testing.T) {
	r, rec := newRegistry(t)
	ctx := context.Background()

	_, err := r.Create(ctx, pipelineDef("build", "make"))
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, "build"))

	_, err = r.Get(ctx, "build", 0)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.IsCode(r.Delete(ctx, "build"), schema.ErrCodeNotFound))
	assert.Equal(t, []ChangeKind{ChangeCreated, ChangeDeleted}, rec.kinds())
}

func TestDelete_KeepsVersionsAndRecreateContinuesNumbering(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	_, err := r.Create(ctx, pipelineDef("build", "make"))
	require.NoError(t, err)
	_, err = r.Update(ctx, pipelineDef("build", "make all"))
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, "build"))

	v1, err := r.Get(ctx, "build", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	page, err := r.List(ctx, schema.PipelineFilter{})
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	again, changed, err := r.Apply(ctx, pipelineDef("build", "make"))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 3, again.Version)
}

func TestList_Filters(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	a := pipelineDef("a", "x")
	a.Owner = "team-a"
	b := pipelineDef("b", "x")
	b.Tags = []string{"nightly"}
	b.Trigger = schema.Trigger{Type: schema.TriggerSchedule, Config: schema.TriggerConfig{Schedule: "@daily"}}
	for _, d := range []*schema.PipelineDefinition{a, b} {
		_, err := r.Create(ctx, d)
		require.NoError(t, err)
	}

	page, err := r.List(ctx, schema.PipelineFilter{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)

	page, err = r.List(ctx, schema.PipelineFilter{Owner: "team-a"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "a", page.Items[0].ID)

	page, err = r.List(ctx, schema.PipelineFilter{Tag: "nightly"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "b", page.Items[0].ID)

	page, err = r.ListPipelines(ctx, schema.PipelineFilter{TriggerType: schema.TriggerSchedule})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "b", page.Items[0].ID)
}

func TestNilValidatorSkipsValidation(t *testing.T) {
	r := New(store.NewMemoryStore(), nil)
	_, err := r.Create(context.Background(), &schema.PipelineDefinition{ID: "bare"})
	assert.NoError(t, err)
}
