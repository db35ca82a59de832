package trigger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conveyor/internal/engine"
	"github.com/rendis/conveyor/pkg/schema"
)

type firedRun struct {
	PipelineID string
	Req        engine.RunRequest
}

// fakeRunner records RunPipeline calls.
type fakeRunner struct {
	mu    sync.Mutex
	calls []firedRun
	err   error
}

func (f *fakeRunner) RunPipeline(_ context.Context, pipelineID string, req engine.RunRequest) (*schema.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, firedRun{PipelineID: pipelineID, Req: req})
	return &schema.Run{ID: "run-" + pipelineID, PipelineID: pipelineID, Status: schema.RunStatusRunning}, nil
}

func (f *fakeRunner) Calls() []firedRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]firedRun(nil), f.calls...)
}

// fakeSource serves a fixed pipeline list one item per page.
type fakeSource struct {
	defs []*schema.PipelineDefinition
}

func (s *fakeSource) ListPipelines(_ context.Context, filter schema.PipelineFilter) (*schema.Page[*schema.PipelineDefinition], error) {
	start := 0
	for i, d := range s.defs {
		if d.ID == filter.Cursor {
			start = i + 1
		}
	}
	page := &schema.Page[*schema.PipelineDefinition]{}
	if start < len(s.defs) {
		page.Items = []*schema.PipelineDefinition{s.defs[start]}
		if start+1 < len(s.defs) {
			page.NextCursor = s.defs[start].ID
		}
	}
	return page, nil
}

func newDispatcher(t *testing.T, runner Runner) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(Config{Runner: runner, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Stop(context.Background()) })
	return d
}

func pipeline(id string, trigger schema.Trigger) *schema.PipelineDefinition {
	return &schema.PipelineDefinition{ID: id, Version: 1, Name: id, Trigger: trigger}
}

func TestNewDispatcher_RequiresRunner(t *testing.T) {
	_, err := NewDispatcher(Config{})
	assert.Error(t, err)
}

func TestParseSchedule(t *testing.T) {
	_, err := ParseSchedule("*/5 * * * *")
	assert.NoError(t, err)
	_, err = ParseSchedule("@hourly")
	assert.NoError(t, err)

	_, err = ParseSchedule("* * *")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	_, err = ParseSchedule("0 0 * * * *")
	assert.Error(t, err, "six fields are rejected")
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/deploy", NormalizePath("deploy"))
	assert.Equal(t, "/deploy", NormalizePath("/deploy/"))
	assert.Equal(t, "/", NormalizePath("/"))
	assert.Equal(t, "", NormalizePath("  "))
}

func TestRegister_ManualAndDisabledAreUnbound(t *testing.T) {
	d := newDispatcher(t, &fakeRunner{})
	off := false

	require.NoError(t, d.Register(pipeline("manual", schema.Trigger{Type: schema.TriggerManual})))
	require.NoError(t, d.Register(pipeline("off", schema.Trigger{
		Type: schema.TriggerSchedule, Enabled: &off, Config: schema.TriggerConfig{Schedule: "* * * * *"},
	})))

	assert.Empty(t, d.Schedules())
	_, err := d.FireSchedule(context.Background(), "off")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestRegister_Schedule(t *testing.T) {
	runner := &fakeRunner{}
	d := newDispatcher(t, runner)

	require.NoError(t, d.Register(pipeline("nightly", schema.Trigger{
		Type:   schema.TriggerSchedule,
		Config: schema.TriggerConfig{Schedule: "0 3 * * *", Params: map[string]any{"env": "prod"}},
	})))

	schedules := d.Schedules()
	require.Len(t, schedules, 1)
	assert.Equal(t, "nightly", schedules[0].PipelineID)
	assert.Equal(t, 3, schedules[0].Next.UTC().Hour())

	run, err := d.FireSchedule(context.Background(), "nightly")
	require.NoError(t, err)
	assert.Equal(t, "run-nightly", run.ID)

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "schedule:0 3 * * *", calls[0].Req.TriggeredBy)
	assert.Equal(t, map[string]any{"env": "prod"}, calls[0].Req.Params)
}

func TestRegister_InvalidSchedule(t *testing.T) {
	d := newDispatcher(t, &fakeRunner{})
	err := d.Register(pipeline("bad", schema.Trigger{Type: schema.TriggerSchedule, Config: schema.TriggerConfig{Schedule: "nope"}}))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestRegister_ReplacesPreviousBinding(t *testing.T) {
	d := newDispatcher(t, &fakeRunner{})
	require.NoError(t, d.Register(pipeline("p", schema.Trigger{Type: schema.TriggerSchedule, Config: schema.TriggerConfig{Schedule: "@daily"}})))
	require.NoError(t, d.Register(pipeline("p", schema.Trigger{Type: schema.TriggerWebhook, Config: schema.TriggerConfig{Path: "/p"}})))

	assert.Empty(t, d.Schedules())
	_, err := d.FireWebhook(context.Background(), "/p", nil)
	assert.NoError(t, err)
}

func TestScheduleFires(t *testing.T) {
	runner := &fakeRunner{}
	d := newDispatcher(t, runner)
	require.NoError(t, d.Register(pipeline("tick", schema.Trigger{Type: schema.TriggerSchedule, Config: schema.TriggerConfig{Schedule: "@every 1s"}})))

	d.Start()
	require.Eventually(t, func() bool { return len(runner.Calls()) > 0 }, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, "tick", runner.Calls()[0].PipelineID)
}

func TestWebhook_PayloadOverlaysParams(t *testing.T) {
	runner := &fakeRunner{}
	d := newDispatcher(t, runner)
	require.NoError(t, d.Register(pipeline("deploy", schema.Trigger{
		Type:   schema.TriggerWebhook,
		Config: schema.TriggerConfig{Path: "hooks/deploy", Params: map[string]any{"env": "staging", "dry": true}},
	})))

	_, err := d.FireWebhook(context.Background(), "/hooks/deploy/", map[string]any{"env": "prod"})
	require.NoError(t, err)

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "webhook:/hooks/deploy", calls[0].Req.TriggeredBy)
	assert.Equal(t, map[string]any{"env": "prod", "dry": true}, calls[0].Req.Params)
}

func TestWebhook_PathConflict(t *testing.T) {
	d := newDispatcher(t, &fakeRunner{})
	require.NoError(t, d.Register(pipeline("a", schema.Trigger{Type: schema.TriggerWebhook, Config: schema.TriggerConfig{Path: "/x"}})))

	err := d.Register(pipeline("b", schema.Trigger{Type: schema.TriggerWebhook, Config: schema.TriggerConfig{Path: "x/"}}))
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestWebhook_Unbound(t *testing.T) {
	d := newDispatcher(t, &fakeRunner{})
	_, err := d.FireWebhook(context.Background(), "/missing", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestHandler(t *testing.T) {
	runner := &fakeRunner{}
	d := newDispatcher(t, runner)
	require.NoError(t, d.Register(pipeline("deploy", schema.Trigger{Type: schema.TriggerWebhook, Config: schema.TriggerConfig{Path: "/deploy"}})))

	srv := httptest.NewServer(d.Handler("/hooks"))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/hooks/deploy", "application/json", strings.NewReader(`{"ref":"main"}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Contains(t, string(body), `"runId":"run-deploy"`)
	assert.Equal(t, "main", runner.Calls()[0].Req.Params["ref"])

	resp, err = http.Post(srv.URL+"/hooks/unknown", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/hooks/deploy", "application/json", strings.NewReader(`[1,2]`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/hooks/deploy")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestPublish_MatchesTypeAndFilter(t *testing.T) {
	runner := &fakeRunner{}
	d := newDispatcher(t, runner)
	require.NoError(t, d.Register(pipeline("on-push", schema.Trigger{
		Type:   schema.TriggerEvent,
		Config: schema.TriggerConfig{Event: "push", Filter: `event.data.branch == "main"`},
	})))
	require.NoError(t, d.Register(pipeline("any-push", schema.Trigger{
		Type:   schema.TriggerEvent,
		Config: schema.TriggerConfig{Event: "push"},
	})))
	require.NoError(t, d.Register(pipeline("on-tag", schema.Trigger{
		Type:   schema.TriggerEvent,
		Config: schema.TriggerConfig{Event: "tag"},
	})))

	runs, err := d.Publish(context.Background(), Event{Type: "push", Source: "git", Data: map[string]any{"branch": "main"}})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "any-push", runs[0].PipelineID)
	assert.Equal(t, "on-push", runs[1].PipelineID)

	calls := runner.Calls()
	assert.Equal(t, "event:git", calls[0].Req.TriggeredBy)
	ev := calls[0].Req.Params["event"].(map[string]any)
	assert.Equal(t, "push", ev["type"])
	assert.Equal(t, map[string]any{"branch": "main"}, ev["data"])

	runs, err = d.Publish(context.Background(), Event{Type: "push", Data: map[string]any{"branch": "dev"}})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "any-push", runs[0].PipelineID)
}

func TestPublish_RequiresType(t *testing.T) {
	d := newDispatcher(t, &fakeRunner{})
	_, err := d.Publish(context.Background(), Event{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestPublish_RunnerErrorReported(t *testing.T) {
	d := newDispatcher(t, &fakeRunner{err: errors.New("engine down")})
	require.NoError(t, d.Register(pipeline("p", schema.Trigger{Type: schema.TriggerEvent, Config: schema.TriggerConfig{Event: "e"}})))

	runs, err := d.Publish(context.Background(), Event{Type: "e"})
	assert.Empty(t, runs)
	assert.ErrorContains(t, err, "engine down")
}

func TestRegister_EventValidation(t *testing.T) {
	d := newDispatcher(t, &fakeRunner{})
	err := d.Register(pipeline("p", schema.Trigger{Type: schema.TriggerEvent}))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = d.Register(pipeline("p", schema.Trigger{Type: schema.TriggerEvent, Config: schema.TriggerConfig{Event: "e", Filter: "event.data.x +"}}))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestSync_BindsAndDrops(t *testing.T) {
	d := newDispatcher(t, &fakeRunner{})
	src := &fakeSource{defs: []*schema.PipelineDefinition{
		pipeline("a", schema.Trigger{Type: schema.TriggerSchedule, Config: schema.TriggerConfig{Schedule: "@daily"}}),
		pipeline("b", schema.Trigger{Type: schema.TriggerWebhook, Config: schema.TriggerConfig{Path: "/b"}}),
		pipeline("c", schema.Trigger{Type: schema.TriggerSchedule, Config: schema.TriggerConfig{Schedule: "bad"}}),
	}}

	err := d.Sync(context.Background(), src)
	assert.Error(t, err, "invalid schedule of c is reported")
	require.Len(t, d.Schedules(), 1)

	src.defs = src.defs[1:2]
	require.NoError(t, d.Sync(context.Background(), src))
	assert.Empty(t, d.Schedules())
	_, err = d.FireWebhook(context.Background(), "/b", nil)
	assert.NoError(t, err)
}
