package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conveyor/pkg/schema"
)

func TestRenderMermaidLinear(t *testing.T) {
	model, err := Build(linearPipeline(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)

	assert.True(t, strings.HasPrefix(output, "graph TD\n"))
	assert.Contains(t, output, "%% ETL Pipeline v3")
	assert.Contains(t, output, `fetch["fetch"]`)
	assert.Contains(t, output, `__start__(("Start"))`)
	assert.Contains(t, output, "fetch --> transform")
	assert.Contains(t, output, "store --> __end__")
	assert.Contains(t, output, "classDef completed")
	assert.NotContains(t, output, "subgraph")
}

func TestRenderMermaidConditional(t *testing.T) {
	model, err := Build(conditionalPipeline(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)

	assert.Contains(t, output, `decide{"decide"}`)
	assert.Contains(t, output, `subgraph decide_then["decide: then"]`)
	assert.Contains(t, output, `subgraph decide_else["decide: else"]`)
	assert.Contains(t, output, "decide -->|then| deploy")
	assert.Equal(t, 1, strings.Count(output, `deploy["deploy"]`), "owned steps are declared once, inside their subgraph")
}

func TestRenderMermaidShapes(t *testing.T) {
	model, err := Build(parallelPipeline(), nil)
	require.NoError(t, err)
	assert.Contains(t, RenderMermaid(model), `fan_out[["fan-out"]]`)

	model, err = Build(loopPipeline(), nil)
	require.NoError(t, err)
	assert.Contains(t, RenderMermaid(model), `iterate[["iterate"]]`)
}

func TestRenderMermaidWithStatus(t *testing.T) {
	run := &schema.Run{Steps: map[string]*schema.StepState{
		"fetch":     {StepID: "fetch", Status: schema.StepStatusCompleted},
		"transform": {StepID: "transform", Status: schema.StepStatusWaiting},
		"store":     {StepID: "store", Status: schema.StepStatusPending},
	}}

	model, err := Build(linearPipeline(), run)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, "class fetch completed")
	assert.Contains(t, output, "class transform waiting")
	assert.Contains(t, output, "class store pending")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "a_b_c", mermaidSafeID("a.b.c"))
	assert.Equal(t, "my_step", mermaidSafeID("my-step"))
	assert.Equal(t, "simple", mermaidSafeID("simple"))
}
