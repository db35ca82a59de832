// Package validation checks pipeline definitions before they are stored.
//
// Validation runs in three stages: structural (JSON Schema), semantic
// (references, typed step configs, static expression and path checks,
// trigger settings) and graph (ownership of driven steps, cycles). Every
// issue is collected into a schema.ValidationResult; nothing is evaluated.
package validation

import "github.com/rendis/conveyor/pkg/schema"

// Validator checks pipeline definitions for correctness before they are
// stored or executed.
type Validator interface {
	ValidateDefinition(def *schema.PipelineDefinition) error
}
