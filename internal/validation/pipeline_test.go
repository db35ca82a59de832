package validation

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conveyor/pkg/schema"
)

func newValidator(t *testing.T) *PipelineValidator {
	t.Helper()
	v, err := NewPipelineValidator(nil)
	require.NoError(t, err)
	return v
}

func step(id string, typ schema.StepType, cfg any, deps ...string) schema.Step {
	return schema.Step{ID: id, Type: typ, Config: schema.MustConfig(cfg), DependsOn: deps}
}

func script(id string, deps ...string) schema.Step {
	return step(id, schema.StepTypeScript, map[string]any{"script": "echo " + id}, deps...)
}

func definition(steps ...schema.Step) *schema.PipelineDefinition {
	return &schema.PipelineDefinition{ID: "build", Version: 1, Name: "Build", Steps: steps}
}

func requireIssue(t *testing.T, r *schema.ValidationResult, code, contains string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Code == code && strings.Contains(e.String(), contains) {
			return
		}
	}
	t.Fatalf("no %s issue containing %q in %v", code, contains, r.Errors)
}

func TestValidate_Nil(t *testing.T) {
	r := newValidator(t).Validate(nil)
	assert.False(t, r.Valid())
}

func TestValidate_ValidLinear(t *testing.T) {
	def := definition(script("a"), script("b", "a"), script("c", "b"))
	r := newValidator(t).Validate(def)
	assert.True(t, r.Valid(), "%v", r.Errors)
	assert.NoError(t, newValidator(t).ValidateDefinition(def))
}

func TestValidate_Structural(t *testing.T) {
	v := newValidator(t)

	def := definition(script("a"))
	def.ID = "has space"
	r := v.Validate(def)
	requireIssue(t, r, schema.ErrCodeValidation, "/id")

	def = definition()
	r = v.Validate(def)
	requireIssue(t, r, schema.ErrCodeValidation, "/steps")

	def = definition(schema.Step{ID: "a", Type: "teleport"})
	r = v.Validate(def)
	requireIssue(t, r, schema.ErrCodeValidation, "/steps/0/type")

	def = definition(script("a"))
	def.RetryPolicy = &schema.RetryPolicy{MaxRetries: 11}
	r = v.Validate(def)
	requireIssue(t, r, schema.ErrCodeValidation, "/retryPolicy/maxRetries")
}

func TestValidate_CycleDetected(t *testing.T) {
	def := definition(script("a", "c"), script("b", "a"), script("c", "b"))
	r := newValidator(t).Validate(def)
	requireIssue(t, r, schema.ErrCodeCycleDetected, "a, b, c")

	err := newValidator(t).ValidateDefinition(def)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCycleDetected))
}

func TestValidate_SelfDependency(t *testing.T) {
	r := newValidator(t).Validate(definition(script("a", "a")))
	requireIssue(t, r, schema.ErrCodeCycleDetected, "itself")
}

func TestValidate_DanglingAndDuplicate(t *testing.T) {
	r := newValidator(t).Validate(definition(script("a"), script("a"), script("b", "ghost")))
	requireIssue(t, r, schema.ErrCodeValidation, `duplicate step id "a"`)
	requireIssue(t, r, schema.ErrCodeValidation, `non-existent step "ghost"`)
	assert.GreaterOrEqual(t, len(r.Errors), 2, "all issues are collected")
}

func TestValidate_UnknownConfigField(t *testing.T) {
	def := definition(step("a", schema.StepTypeScript, map[string]any{"script": "x", "shell": "zsh"}))
	r := newValidator(t).Validate(def)
	requireIssue(t, r, schema.ErrCodeValidation, "steps[0].config")
}

func TestValidate_SandboxViolations(t *testing.T) {
	v := newValidator(t)

	def := definition(step("t", schema.StepTypeTransform, map[string]any{
		"operations": []map[string]any{
			{"op": "map", "source": "items", "expression": "item.value * 2", "target": "doubled"},
		},
	}))
	assert.True(t, v.Validate(def).Valid())

	for _, expr := range []string{"item.constructor", "process.env", "ctx.__proto__", "len(items)"} {
		def := definition(step("t", schema.StepTypeTransform, map[string]any{
			"operations": []map[string]any{{"op": "map", "source": "items", "expression": expr}},
		}))
		err := v.ValidateDefinition(def)
		assert.True(t, schema.IsCode(err, schema.ErrCodeSandboxViolation), "expression %q: %v", expr, err)
	}

	def = definition(script("a"))
	def.Steps[0].Condition = "item.value > 1"
	requireIssue(t, v.Validate(def), schema.ErrCodeSandboxViolation, "steps[0].condition")

	def = definition(step("t", schema.StepTypeTransform, map[string]any{
		"operations": []map[string]any{{"op": "extract", "path": "a.__proto__.b", "target": "x"}},
	}))
	requireIssue(t, v.Validate(def), schema.ErrCodeSandboxViolation, "operations[0].path")

	def = definition(step("t", schema.StepTypeTransform, map[string]any{
		"operations": []map[string]any{{"op": "reduce", "source": "items", "expression": "acc + item.value + index", "target": "sum", "initial": 0}},
	}))
	assert.True(t, v.Validate(def).Valid())
}

func TestValidate_TransformRequiredFields(t *testing.T) {
	def := definition(step("t", schema.StepTypeTransform, map[string]any{
		"operations": []map[string]any{
			{"op": "merge", "target": "out"},
			{"op": "reduce", "source": "items", "expression": "acc"},
			{"op": "explode"},
		},
	}))
	r := newValidator(t).Validate(def)
	requireIssue(t, r, schema.ErrCodeValidation, "merge requires sources")
	requireIssue(t, r, schema.ErrCodeValidation, "reduce requires target")
	requireIssue(t, r, schema.ErrCodeValidation, `unknown transform operation "explode"`)
}

func TestValidate_OwnedSteps(t *testing.T) {
	v := newValidator(t)

	ok := definition(
		script("prep"),
		step("fan", schema.StepTypeParallel, map[string]any{"steps": []string{"x", "y"}}, "prep"),
		script("x"),
		script("y", "x"),
	)
	assert.True(t, v.Validate(ok).Valid(), "%v", v.Validate(ok).Errors)

	bad := definition(
		script("prep"),
		step("fan", schema.StepTypeParallel, map[string]any{"steps": []string{"x"}}),
		script("x", "prep"),
	)
	requireIssue(t, v.Validate(bad), schema.ErrCodeValidation, "may depend only on it or its siblings")

	twice := definition(
		step("p1", schema.StepTypeParallel, map[string]any{"steps": []string{"x"}}),
		step("p2", schema.StepTypeParallel, map[string]any{"steps": []string{"x"}}),
		script("x"),
	)
	requireIssue(t, v.Validate(twice), schema.ErrCodeValidation, "driven by both")

	missing := definition(step("fan", schema.StepTypeParallel, map[string]any{"steps": []string{"ghost"}}))
	requireIssue(t, v.Validate(missing), schema.ErrCodeValidation, `non-existent step "ghost"`)

	cycle := definition(
		step("fan", schema.StepTypeParallel, map[string]any{"steps": []string{"x"}}, "x"),
		script("x"),
	)
	requireIssue(t, v.Validate(cycle), schema.ErrCodeCycleDetected, "")
}

func TestValidate_Loop(t *testing.T) {
	v := newValidator(t)

	def := definition(
		step("l", schema.StepTypeLoop, map[string]any{"mode": "while", "steps": []string{"b"}, "parallel": true}),
		script("b"),
	)
	r := v.Validate(def)
	requireIssue(t, r, schema.ErrCodeValidation, "while loop requires a condition")
	requireIssue(t, r, schema.ErrCodeValidation, "cannot run iterations in parallel")

	def = definition(
		step("l", schema.StepTypeLoop, map[string]any{"source": "items", "steps": []string{"b"}, "maxIterations": 20000}),
		script("b"),
	)
	r = v.Validate(def)
	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Contains(t, r.Warnings[0].Message, "capped")
}

func TestValidate_Approval(t *testing.T) {
	def := definition(step("ok", schema.StepTypeApproval, map[string]any{
		"approvers": []string{"alice"}, "minApprovals": 2, "onTimeout": "explode", "message": "{{ ctx.__proto__ }}",
	}))
	r := newValidator(t).Validate(def)
	requireIssue(t, r, schema.ErrCodeValidation, "exceeds the 1 eligible approvers")
	requireIssue(t, r, schema.ErrCodeValidation, `unknown onTimeout policy "explode"`)
	requireIssue(t, r, schema.ErrCodeSandboxViolation, "message")
}

func TestValidate_Webhook(t *testing.T) {
	v := newValidator(t)

	def := definition(step("w", schema.StepTypeWebhook, map[string]any{
		"url":            "ftp://example.com",
		"method":         "BREW",
		"validateStatus": []int{42},
		"extract":        map[string]string{"id": ".body | ["},
		"auth":           map[string]any{"type": "bearer"},
	}))
	r := v.Validate(def)
	requireIssue(t, r, schema.ErrCodeValidation, "invalid webhook url")
	requireIssue(t, r, schema.ErrCodeValidation, `unsupported method "BREW"`)
	requireIssue(t, r, schema.ErrCodeValidation, "invalid status code 42")
	requireIssue(t, r, schema.ErrCodeValidation, "extract.id")
	requireIssue(t, r, schema.ErrCodeValidation, "bearer auth requires a token")

	def = definition(step("w", schema.StepTypeWebhook, map[string]any{
		"url":     "https://{{ ctx.host }}/deploy",
		"extract": map[string]string{"id": ".body.id"},
	}))
	assert.True(t, v.Validate(def).Valid())
}

func TestValidate_Wait(t *testing.T) {
	v := newValidator(t)
	r := v.Validate(definition(step("w", schema.StepTypeWait, map[string]any{})))
	requireIssue(t, r, schema.ErrCodeValidation, "positive duration")

	r = v.Validate(definition(step("w", schema.StepTypeWait, map[string]any{"mode": "until"})))
	requireIssue(t, r, schema.ErrCodeValidation, "requires an instant")

	until := time.Now().Add(time.Hour)
	assert.True(t, v.Validate(definition(step("w", schema.StepTypeWait, map[string]any{"mode": "until", "until": until}))).Valid())
	assert.True(t, v.Validate(definition(step("w", schema.StepTypeWait, map[string]any{"mode": "webhook"}))).Valid())
}

func TestValidate_SubPipeline(t *testing.T) {
	v := newValidator(t)
	r := v.Validate(definition(step("s", schema.StepTypeSubPipeline, map[string]any{
		"pipelineId": "build", "inputs": map[string]string{"x": "a..b"},
	})))
	requireIssue(t, r, schema.ErrCodeRecursivePipeline, "invokes its own pipeline")
	requireIssue(t, r, schema.ErrCodeSandboxViolation, "inputs.x")
}

func TestValidate_Triggers(t *testing.T) {
	v := newValidator(t)

	def := definition(script("a"))
	def.Trigger = schema.Trigger{Type: schema.TriggerSchedule, Config: schema.TriggerConfig{Schedule: "every tuesday"}}
	requireIssue(t, v.Validate(def), schema.ErrCodeValidation, "trigger.config.schedule")

	def.Trigger = schema.Trigger{Type: schema.TriggerSchedule, Config: schema.TriggerConfig{Schedule: "*/10 * * * *"}}
	assert.True(t, v.Validate(def).Valid())

	def.Trigger = schema.Trigger{Type: schema.TriggerWebhook}
	requireIssue(t, v.Validate(def), schema.ErrCodeValidation, "requires a path")

	def.Trigger = schema.Trigger{Type: schema.TriggerEvent, Config: schema.TriggerConfig{Event: "push", Filter: "event.data.branch =="}}
	requireIssue(t, v.Validate(def), schema.ErrCodeValidation, "trigger.config.filter")

	def.Trigger = schema.Trigger{Type: schema.TriggerEvent, Config: schema.TriggerConfig{Event: "push", Filter: `event.data.branch == "main"`}}
	assert.True(t, v.Validate(def).Valid())
}

func TestValidate_ContextDefaultKeys(t *testing.T) {
	def := definition(script("a"))
	def.ContextDefaults = map[string]any{"ok": 1, "constructor": 2}
	requireIssue(t, newValidator(t).Validate(def), schema.ErrCodeSandboxViolation, "constructor")
}

func TestValidate_RetryWarnings(t *testing.T) {
	def := definition(script("a"))
	def.Steps[0].RetryPolicy = &schema.RetryPolicy{MaxRetries: 2}
	r := newValidator(t).Validate(def)
	assert.True(t, r.Valid())
	require.NotEmpty(t, r.Warnings)
	assert.Contains(t, r.Warnings[0].Message, "back to back")
}

func TestValidateDocument_RejectsUnknownFields(t *testing.T) {
	v := newValidator(t)
	doc := map[string]any{
		"id":    "deploy",
		"name":  "Deploy",
		"steps": []any{map[string]any{"id": "a", "type": "script", "config": map[string]any{"script": "x"}, "retries": 3}},
	}
	err := v.ValidateDocument(doc)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	se, _ := schema.AsError(err)
	assert.Contains(t, se.Message, "/steps/0")

	delete(doc["steps"].([]any)[0].(map[string]any), "retries")
	doc["steps"].([]any)[0].(map[string]any)["timeout"] = 1500
	assert.NoError(t, v.ValidateDocument(doc))
}
