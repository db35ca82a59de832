package executors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conveyor/internal/sandbox"
	"github.com/rendis/conveyor/pkg/schema"
)

func runTransform(t *testing.T, ctx map[string]any, ops ...schema.TransformOp) *Outcome {
	t.Helper()
	e := NewTransformExecutor(sandbox.New())
	req := newRequest(t, schema.StepTypeTransform, &schema.TransformConfig{Operations: ops}, ctx)
	out, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	return out
}

func applied(t *testing.T, ctx map[string]any, out *Outcome) map[string]any {
	t.Helper()
	root := sandbox.CloneMap(ctx)
	require.NoError(t, Apply(root, out.Mutations))
	return root
}

func TestTransform_MapDoublesValues(t *testing.T) {
	ctx := map[string]any{"nums": []any{1.0, 2.0, 3.0}}
	out := runTransform(t, ctx, schema.TransformOp{
		Op: schema.OpMap, Source: "nums", Target: "doubled", Expression: "item.value * 2",
	})
	require.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, []any{2.0, 4.0, 6.0}, applied(t, ctx, out)["doubled"])
	assert.Equal(t, []any{1.0, 2.0, 3.0}, ctx["nums"], "input context must not change")
}

func TestTransform_MapRejectsDisallowedIdentifier(t *testing.T) {
	ctx := map[string]any{"nums": []any{1.0}}
	out := runTransform(t, ctx, schema.TransformOp{
		Op: schema.OpMap, Source: "nums", Target: "x", Expression: "steps.a.output",
	})
	require.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, schema.ErrCodeSandboxViolation, out.Error.Code)
	assert.Empty(t, out.Mutations)
}

func TestTransform_FilterAndReduce(t *testing.T) {
	ctx := map[string]any{"nums": []any{1.0, 2.0, 3.0, 4.0}}
	out := runTransform(t, ctx,
		schema.TransformOp{Op: schema.OpFilter, Source: "nums", Target: "even", Expression: "value % 2 == 0"},
		schema.TransformOp{Op: schema.OpReduce, Source: "even", Target: "sum", Expression: "acc + value", Initial: 0},
	)
	require.Equal(t, StatusCompleted, out.Status)
	root := applied(t, ctx, out)
	assert.Equal(t, []any{2.0, 4.0}, root["even"])
	assert.Equal(t, 6.0, root["sum"])
}

func TestTransform_SetWithValueAndExpression(t *testing.T) {
	ctx := map[string]any{"order": map[string]any{"qty": 3.0, "price": 2.5}}
	out := runTransform(t, ctx,
		schema.TransformOp{Op: schema.OpSet, Target: "meta.source", Value: "api"},
		schema.TransformOp{Op: schema.OpSet, Target: "total", Expression: "ctx.order.qty * ctx.order.price"},
	)
	require.Equal(t, StatusCompleted, out.Status)
	root := applied(t, ctx, out)
	assert.Equal(t, "api", root["meta"].(map[string]any)["source"])
	assert.Equal(t, 7.5, root["total"])
	assert.Equal(t, 7.5, out.Output)
}

func TestTransform_LaterOperationsSeeEarlierResults(t *testing.T) {
	out := runTransform(t, nil,
		schema.TransformOp{Op: schema.OpSet, Target: "a", Value: 2},
		schema.TransformOp{Op: schema.OpSet, Target: "b", Expression: "ctx.a + 1"},
	)
	require.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, 3.0, applied(t, nil, out)["b"])
}

func TestTransform_MergeAndDelete(t *testing.T) {
	ctx := map[string]any{
		"a":   map[string]any{"x": 1.0, "y": 1.0},
		"b":   map[string]any{"y": 2.0},
		"tmp": "drop",
	}
	out := runTransform(t, ctx,
		schema.TransformOp{Op: schema.OpMerge, Sources: []string{"a", "b"}, Target: "merged"},
		schema.TransformOp{Op: schema.OpDelete, Path: "tmp"},
	)
	require.Equal(t, StatusCompleted, out.Status)
	root := applied(t, ctx, out)
	assert.Equal(t, map[string]any{"x": 1.0, "y": 2.0}, root["merged"])
	assert.NotContains(t, root, "tmp")
}

func TestTransform_MergeNonObjectFails(t *testing.T) {
	out := runTransform(t, map[string]any{"a": "str"},
		schema.TransformOp{Op: schema.OpMerge, Sources: []string{"a"}, Target: "m"},
	)
	require.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, schema.ErrCodeExecution, out.Error.Code)
	assert.Equal(t, 0, out.Error.Details["operation"])
}

func TestTransform_ErrorsCarryIterationKey(t *testing.T) {
	e := NewTransformExecutor(sandbox.New())
	req := newRequest(t, schema.StepTypeTransform, &schema.TransformConfig{Operations: []schema.TransformOp{
		{Op: schema.OpMerge, Sources: []string{"a"}, Target: "m"},
	}}, map[string]any{"a": "str"})
	req.StepKey = "each.iter_2.s1"

	out, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, "each.iter_2.s1", out.Error.StepID)
}

func TestRequest_KeyFallsBackToStepID(t *testing.T) {
	req := &Request{Step: &schema.Step{ID: "s1"}}
	assert.Equal(t, "s1", req.Key())
	req.StepKey = "each.iter_0.s1"
	assert.Equal(t, "each.iter_0.s1", req.Key())
}

func TestTransform_Extract(t *testing.T) {
	ctx := map[string]any{"resp": map[string]any{"items": []any{map[string]any{"id": "i1"}}}}
	out := runTransform(t, ctx, schema.TransformOp{Op: schema.OpExtract, Path: "resp.items[0].id", Target: "firstId"})
	require.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, "i1", applied(t, ctx, out)["firstId"])

	out = runTransform(t, ctx, schema.TransformOp{Op: schema.OpExtract, Path: "resp.missing", Target: "x"})
	require.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, schema.ErrCodeExecution, out.Error.Code)
}

func TestTransform_SourceMustBeArray(t *testing.T) {
	out := runTransform(t, map[string]any{"n": 1.0},
		schema.TransformOp{Op: schema.OpMap, Source: "n", Target: "m", Expression: "value"},
	)
	require.Equal(t, StatusFailed, out.Status)
	assert.Contains(t, out.Error.Message, "not an array")
}

func TestTransform_ReservedTargetRejected(t *testing.T) {
	out := runTransform(t, nil, schema.TransformOp{Op: schema.OpSet, Target: "constructor", Value: 1})
	require.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, schema.ErrCodeSandboxViolation, out.Error.Code)
}
