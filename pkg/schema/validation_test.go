package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_Validity(t *testing.T) {
	tests := []struct {
		name   string
		build  func(r *ValidationResult)
		valid  bool
		errors int
		warns  int
	}{
		{name: "empty", build: func(*ValidationResult) {}, valid: true},
		{
			name:  "warnings only",
			build: func(r *ValidationResult) { r.AddWarning("steps[1].retryPolicy", ErrCodeValidation, "high retry count") },
			valid: true, warns: 1,
		},
		{
			name: "formatted error",
			build: func(r *ValidationResult) {
				r.AddErrorf("steps[0].dependsOn", ErrCodeValidation, "unknown step %q", "ghost")
			},
			errors: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &ValidationResult{}
			tt.build(r)
			assert.Equal(t, tt.valid, r.Valid())
			assert.Len(t, r.Errors, tt.errors)
			assert.Len(t, r.Warnings, tt.warns)
		})
	}
}

func TestValidationIssue_CarriesSeverityAndPath(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].type", ErrCodeValidation, "unknown step type")
	r.AddWarning("", ErrCodeValidation, "pipeline has no description")

	require.Len(t, r.Errors, 1)
	assert.Equal(t, ValidationIssue{
		Path: "steps[0].type", Code: ErrCodeValidation, Message: "unknown step type", Severity: SeverityError,
	}, r.Errors[0])
	assert.Equal(t, "steps[0].type: unknown step type", r.Errors[0].String())
	assert.Equal(t, "pipeline has no description", r.Warnings[0].String())
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_MergeCombinesIssues(t *testing.T) {
	lint := &ValidationResult{}
	lint.AddError("name", ErrCodeValidation, "required")
	lint.AddWarning("steps", ErrCodeValidation, "long chain")

	dag := &ValidationResult{}
	dag.AddError("steps", ErrCodeCycleDetected, "a -> b -> a")

	lint.Merge(dag)
	lint.Merge(nil)

	assert.Len(t, lint.Errors, 2)
	assert.Len(t, lint.Warnings, 1)
	assert.True(t, lint.HasCode(ErrCodeCycleDetected))
	assert.False(t, lint.HasCode(ErrCodeSandboxViolation))
}

func TestValidationResult_ToError(t *testing.T) {
	t.Run("nil when only warnings", func(t *testing.T) {
		r := &ValidationResult{}
		r.AddWarning("", ErrCodeValidation, "just a warning")
		assert.Nil(t, r.ToError())
	})

	t.Run("single issue keeps its code and path", func(t *testing.T) {
		r := &ValidationResult{}
		r.AddError("steps[0].condition", ErrCodeSandboxViolation, `identifier "os" is not allowed`)

		se, ok := AsError(r.ToError())
		require.True(t, ok)
		assert.Equal(t, ErrCodeSandboxViolation, se.Code)
		assert.Equal(t, `steps[0].condition: identifier "os" is not allowed`, se.Message)
		assert.Equal(t, 1, se.Details["errorCount"])
	})

	t.Run("several issues collapse to a validation error", func(t *testing.T) {
		r := &ValidationResult{}
		r.AddError("", ErrCodeValidation, "err1")
		r.AddError("", ErrCodeCycleDetected, "err2")
		r.AddWarning("", ErrCodeValidation, "warn1")

		se, ok := AsError(r.ToError())
		require.True(t, ok)
		assert.Equal(t, ErrCodeValidation, se.Code)
		assert.Contains(t, se.Message, "2 errors")
		assert.Equal(t, 2, se.Details["errorCount"])
		assert.Equal(t, 1, se.Details["warningCount"])
	})
}

func TestIsCode_WalksCauseChain(t *testing.T) {
	inner := NewError(ErrCodeTimeout, "deadline")
	outer := NewError(ErrCodeRetryExhausted, "gave up").WithCause(inner)

	assert.True(t, IsCode(outer, ErrCodeRetryExhausted))
	assert.True(t, IsCode(outer, ErrCodeTimeout))
	assert.False(t, IsCode(outer, ErrCodeNotFound))
	assert.Equal(t, ErrCodeRetryExhausted, CodeOf(outer))
}
