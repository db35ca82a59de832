package validation

import (
	"github.com/rendis/conveyor/internal/executors"
	"github.com/rendis/conveyor/internal/sandbox"
	"github.com/rendis/conveyor/internal/trigger"
	"github.com/rendis/conveyor/pkg/schema"
)

// PipelineValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (references, step configs, expressions, paths, triggers)
// 3. Graph (ownership, cycles)
type PipelineValidator struct {
	jsonSchema *JSONSchemaValidator
	checks     *checkers
}

// NewPipelineValidator creates a PipelineValidator. sb may be nil to use a
// private sandbox.
func NewPipelineValidator(sb *sandbox.Sandbox) (*PipelineValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	filters, err := trigger.NewFilterEngine()
	if err != nil {
		return nil, err
	}
	if sb == nil {
		sb = sandbox.New()
	}
	return &PipelineValidator{
		jsonSchema: jsv,
		checks:     &checkers{sandbox: sb, jq: executors.NewJQ(), filters: filters},
	}, nil
}

// Validate runs every stage and returns the aggregated result. Structural
// errors short-circuit; the graph stage only runs on a semantically valid
// definition.
func (pv *PipelineValidator) Validate(def *schema.PipelineDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "pipeline definition is nil")
		return r
	}

	result := validateStructural(pv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	decoded := make(map[string]schema.StepConfig, len(def.Steps))
	result.Merge(validateSemantic(def, pv.checks, decoded))

	if result.Valid() {
		result.Merge(validateDAG(def, decoded))
	}
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (pv *PipelineValidator) ValidateDefinition(def *schema.PipelineDefinition) error {
	return pv.Validate(def).ToError()
}

// ValidateDocument checks the structure of a raw decoded document.
func (pv *PipelineValidator) ValidateDocument(doc any) error {
	return pv.jsonSchema.ValidateDocument(doc)
}

// validateStructural converts JSON Schema violations into result issues.
func validateStructural(v *JSONSchemaValidator, def *schema.PipelineDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	se, ok := schema.AsError(err)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := se.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.AddError("/", schema.ErrCodeValidation, msg)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, se.Message)
	return result
}
