package diagram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conveyor/pkg/schema"
)

func script(id string, deps ...string) schema.Step {
	return schema.Step{
		ID:        id,
		Type:      schema.StepTypeScript,
		Config:    schema.MustConfig(map[string]any{"script": "true"}),
		DependsOn: deps,
	}
}

func linearPipeline() *schema.PipelineDefinition {
	return &schema.PipelineDefinition{
		ID:      "etl",
		Name:    "ETL Pipeline",
		Version: 3,
		Steps: []schema.Step{
			script("fetch"),
			script("transform", "fetch"),
			script("store", "transform"),
		},
	}
}

func conditionalPipeline() *schema.PipelineDefinition {
	return &schema.PipelineDefinition{
		ID: "release",
		Steps: []schema.Step{
			script("check"),
			{
				ID:        "decide",
				Type:      schema.StepTypeConditional,
				DependsOn: []string{"check"},
				Config: schema.MustConfig(schema.ConditionalConfig{
					Condition: "ctx.ok == true",
					ThenSteps: []string{"deploy"},
					ElseSteps: []string{"notify"},
				}),
			},
			script("deploy"),
			script("notify"),
		},
	}
}

func parallelPipeline() *schema.PipelineDefinition {
	return &schema.PipelineDefinition{
		ID: "fan",
		Steps: []schema.Step{
			script("setup"),
			{
				ID:        "fan-out",
				Type:      schema.StepTypeParallel,
				DependsOn: []string{"setup"},
				Config:    schema.MustConfig(schema.ParallelConfig{Steps: []string{"a1", "b1"}}),
			},
			script("a1"),
			script("b1"),
		},
	}
}

func loopPipeline() *schema.PipelineDefinition {
	return &schema.PipelineDefinition{
		ID: "batch",
		Steps: []schema.Step{
			{
				ID:   "iterate",
				Type: schema.StepTypeLoop,
				Config: schema.MustConfig(schema.LoopConfig{
					Mode:   schema.LoopForEach,
					Source: "ctx.items",
					Steps:  []string{"process"},
				}),
			},
			script("process"),
		},
	}
}

func edgeSet(m *DiagramModel) map[string]string {
	out := make(map[string]string, len(m.Edges))
	for _, e := range m.Edges {
		out[e.From+"->"+e.To] = e.Label
	}
	return out
}

func TestBuildLinear(t *testing.T) {
	model, err := Build(linearPipeline(), nil)
	require.NoError(t, err)

	assert.Equal(t, "ETL Pipeline v3", model.Title)
	assert.Len(t, model.Nodes, 5)
	assert.Equal(t, []string{startID}, model.Levels[0])
	assert.Equal(t, []string{endID}, model.Levels[len(model.Levels)-1])

	ids := make([]string, len(model.Nodes))
	for i, n := range model.Nodes {
		ids[i] = n.ID
	}
	assert.Equal(t, []string{startID, "fetch", "transform", "store", endID}, ids)
	assert.Equal(t, NodeKindTask, model.Node("fetch").Kind)

	edges := edgeSet(model)
	assert.Contains(t, edges, startID+"->fetch")
	assert.Contains(t, edges, "fetch->transform")
	assert.Contains(t, edges, "transform->store")
	assert.Contains(t, edges, "store->"+endID)
	assert.Len(t, edges, 4)
}

func TestBuildConditional(t *testing.T) {
	model, err := Build(conditionalPipeline(), nil)
	require.NoError(t, err)

	decide := model.Node("decide")
	require.NotNil(t, decide)
	assert.Equal(t, NodeKindConditional, decide.Kind)
	require.Len(t, decide.Children, 2)
	assert.Equal(t, "then", decide.Children[0].Label)
	assert.Equal(t, []string{"deploy"}, decide.Children[0].NodeIDs)
	assert.Equal(t, "else", decide.Children[1].Label)

	assert.Equal(t, "decide", model.Node("deploy").Owner)
	edges := edgeSet(model)
	assert.Equal(t, "then", edges["decide->deploy"])
	assert.Equal(t, "else", edges["decide->notify"])
}

func TestBuildParallelAndLoop(t *testing.T) {
	model, err := Build(parallelPipeline(), nil)
	require.NoError(t, err)
	fan := model.Node("fan-out")
	require.NotNil(t, fan)
	assert.Equal(t, NodeKindParallel, fan.Kind)
	require.Len(t, fan.Children, 1)
	assert.Equal(t, []string{"a1", "b1"}, fan.Children[0].NodeIDs)

	model, err = Build(loopPipeline(), nil)
	require.NoError(t, err)
	loop := model.Node("iterate")
	require.NotNil(t, loop)
	assert.Equal(t, NodeKindLoop, loop.Kind)
	require.Len(t, loop.Children, 1)
	assert.Equal(t, "body", loop.Children[0].Label)
	assert.Equal(t, "body", edgeSet(model)["iterate->process"])
}

func TestBuildWithStatusOverlay(t *testing.T) {
	started := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	done := started.Add(150 * time.Millisecond)
	run := &schema.Run{
		ID: "run-1",
		Steps: map[string]*schema.StepState{
			"fetch":     {StepID: "fetch", Status: schema.StepStatusCompleted, Attempts: 1, StartedAt: &started, CompletedAt: &done},
			"transform": {StepID: "transform", Status: schema.StepStatusRunning, Attempts: 2},
			"store": {
				StepID:    "store",
				Status:    schema.StepStatusFailed,
				LastError: schema.NewError(schema.ErrCodeExecution, "connection timeout"),
			},
		},
	}

	model, err := Build(linearPipeline(), run)
	require.NoError(t, err)

	fetch := model.Node("fetch")
	require.NotNil(t, fetch.Status)
	assert.Equal(t, "completed", fetch.Status.Status)
	assert.Equal(t, int64(150), fetch.Status.DurationMs)

	assert.Equal(t, 2, model.Node("transform").Status.Attempts)
	assert.Equal(t, "connection timeout", model.Node("store").Status.Error)
	assert.Nil(t, model.Node(startID).Status)
}

func TestBuildRejectsInvalid(t *testing.T) {
	_, err := Build(nil, nil)
	require.Error(t, err)

	_, err = Build(&schema.PipelineDefinition{ID: "empty"}, nil)
	require.Error(t, err)

	cyclic := &schema.PipelineDefinition{
		ID:    "cyclic",
		Steps: []schema.Step{script("a", "b"), script("b", "a")},
	}
	_, err = Build(cyclic, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCycleDetected))
}
