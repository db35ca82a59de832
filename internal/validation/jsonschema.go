package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/conveyor/pkg/schema"
)

const pipelineSchemaURL = "https://conveyor.dev/schemas/pipeline.json"

// pipelineSchemaJSON describes the document form of a PipelineDefinition.
// Durations are Go duration strings or milliseconds.
const pipelineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://conveyor.dev/schemas/pipeline.json",
  "type": "object",
  "required": ["id", "name", "steps"],
  "properties": {
    "id": { "$ref": "#/$defs/id" },
    "version": { "type": "integer", "minimum": 0 },
    "name": { "type": "string", "minLength": 1, "maxLength": 200 },
    "description": { "type": "string" },
    "trigger": { "$ref": "#/$defs/trigger" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "contextDefaults": { "type": ["object", "null"] },
    "retryPolicy": { "$ref": "#/$defs/retry" },
    "tags": {
      "type": ["array", "null"],
      "items": { "type": "string", "minLength": 1 },
      "uniqueItems": true
    },
    "owner": { "type": "string" },
    "createdAt": { "type": "string" },
    "updatedAt": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "id": {
      "type": "string",
      "pattern": "^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$"
    },
    "duration": {
      "anyOf": [
        { "type": "string", "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$" },
        { "type": "number", "minimum": 0 }
      ]
    },
    "trigger": {
      "type": "object",
      "properties": {
        "type": { "enum": ["", "manual", "schedule", "webhook", "event"] },
        "config": {
          "type": "object",
          "properties": {
            "schedule": { "type": "string" },
            "path": { "type": "string" },
            "event": { "type": "string" },
            "filter": { "type": "string" },
            "params": { "type": ["object", "null"] }
          },
          "additionalProperties": false
        },
        "enabled": { "type": ["boolean", "null"] }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {
          "type": "string",
          "pattern": "^[A-Za-z0-9_][A-Za-z0-9_-]{0,127}$"
        },
        "name": { "type": "string" },
        "type": {
          "enum": ["agent_task", "conditional", "parallel", "approval", "script",
                   "loop", "wait", "transform", "webhook", "sub_pipeline"]
        },
        "config": { "type": ["object", "null"] },
        "dependsOn": {
          "type": ["array", "null"],
          "items": { "type": "string" }
        },
        "retryPolicy": { "$ref": "#/$defs/retry" },
        "condition": { "type": "string", "maxLength": 512 },
        "continueOnFailure": { "type": "boolean" },
        "timeout": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": ["object", "null"],
      "required": ["maxRetries"],
      "properties": {
        "maxRetries": { "type": "integer", "minimum": 0, "maximum": 10 },
        "initialDelay": { "$ref": "#/$defs/duration" },
        "maxDelay": { "$ref": "#/$defs/duration" },
        "multiplier": { "type": "number", "minimum": 1 },
        "retryableErrors": {
          "type": ["array", "null"],
          "items": { "type": "string", "minLength": 1 }
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks the structure of pipeline documents against
// JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	pipelineSchema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the pipeline schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pipelineSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal pipeline schema: %w", err)
	}
	if err := c.AddResource(pipelineSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add pipeline schema resource: %w", err)
	}
	compiled, err := c.Compile(pipelineSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile pipeline schema: %w", err)
	}
	return &JSONSchemaValidator{pipelineSchema: compiled}, nil
}

// ValidateDefinition validates def's JSON form.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.PipelineDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "pipeline definition is nil")
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize pipeline definition").WithCause(err)
	}
	return v.validate(doc)
}

// ValidateDocument validates a raw decoded document, as read from a JSON or
// YAML file, before it is bound to a PipelineDefinition. Unlike
// ValidateDefinition it sees fields a struct decode would drop.
func (v *JSONSchemaValidator) ValidateDocument(doc any) error {
	normalized, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "pipeline document is not JSON-compatible").WithCause(err)
	}
	return v.validate(normalized)
}

func (v *JSONSchemaValidator) validate(doc any) error {
	if err := v.pipelineSchema.Validate(doc); err != nil {
		return toSchemaError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON so that numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toSchemaError converts a jsonschema.ValidationError into a VALIDATION_ERROR
// listing every leaf violation.
func toSchemaError(err error) *schema.Error {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and returns leaf messages
// prefixed with their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
