package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// PipelineDefinition is a versioned workflow definition. A stored version is
// never modified; updates produce a new version.
type PipelineDefinition struct {
	ID              string         `json:"id"`
	Version         int            `json:"version"`
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	Trigger         Trigger        `json:"trigger"`
	Steps           []Step         `json:"steps"`
	ContextDefaults map[string]any `json:"contextDefaults,omitempty"`
	RetryPolicy     *RetryPolicy   `json:"retryPolicy,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	Owner           string         `json:"owner,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// Step returns the step with the given id, or nil.
func (d *PipelineDefinition) Step(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// TriggerType enumerates what starts a run.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerSchedule TriggerType = "schedule"
	TriggerWebhook  TriggerType = "webhook"
	TriggerEvent    TriggerType = "event"
)

// Trigger describes how runs of a pipeline are started.
type Trigger struct {
	Type    TriggerType   `json:"type"`
	Config  TriggerConfig `json:"config,omitempty"`
	Enabled *bool         `json:"enabled,omitempty"`
}

// IsEnabled defaults to true when the flag is absent.
func (t Trigger) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// TriggerConfig holds the settings for every trigger type; only the fields
// relevant to Trigger.Type are read.
type TriggerConfig struct {
	Schedule string         `json:"schedule,omitempty"` // cron, 5 fields
	Path     string         `json:"path,omitempty"`     // webhook binding
	Event    string         `json:"event,omitempty"`    // domain event type
	Filter   string         `json:"filter,omitempty"`   // CEL over the event
	Params   map[string]any `json:"params,omitempty"`   // static params merged into every fire
}

// StepType enumerates the kinds of steps in a pipeline.
type StepType string

const (
	StepTypeAgentTask   StepType = "agent_task"
	StepTypeConditional StepType = "conditional"
	StepTypeParallel    StepType = "parallel"
	StepTypeApproval    StepType = "approval"
	StepTypeScript      StepType = "script"
	StepTypeLoop        StepType = "loop"
	StepTypeWait        StepType = "wait"
	StepTypeTransform   StepType = "transform"
	StepTypeWebhook     StepType = "webhook"
	StepTypeSubPipeline StepType = "sub_pipeline"
)

// StepTypes lists every known step type.
var StepTypes = []StepType{
	StepTypeAgentTask, StepTypeConditional, StepTypeParallel, StepTypeApproval, StepTypeScript,
	StepTypeLoop, StepTypeWait, StepTypeTransform, StepTypeWebhook, StepTypeSubPipeline,
}

// IsControlFlow reports whether steps of this type drive other steps instead
// of doing work themselves.
func (t StepType) IsControlFlow() bool {
	switch t {
	case StepTypeConditional, StepTypeParallel, StepTypeLoop:
		return true
	}
	return false
}

// Step is a single node of the pipeline graph.
type Step struct {
	ID                string          `json:"id"`
	Name              string          `json:"name,omitempty"`
	Type              StepType        `json:"type"`
	Config            json.RawMessage `json:"config,omitempty"`
	DependsOn         []string        `json:"dependsOn,omitempty"`
	RetryPolicy       *RetryPolicy    `json:"retryPolicy,omitempty"`
	Condition         string          `json:"condition,omitempty"`
	ContinueOnFailure bool            `json:"continueOnFailure,omitempty"`
	Timeout           Duration        `json:"timeout,omitempty"`
}

// RetryPolicy configures bounded exponential backoff for a step.
type RetryPolicy struct {
	MaxRetries      int      `json:"maxRetries"`
	InitialDelay    Duration `json:"initialDelay,omitempty"`
	MaxDelay        Duration `json:"maxDelay,omitempty"`
	Multiplier      float64  `json:"multiplier,omitempty"`
	RetryableErrors []string `json:"retryableErrors,omitempty"`
}

// MaxRetryLimit bounds RetryPolicy.MaxRetries.
const MaxRetryLimit = 10

// StepConfig is the closed set of typed step configurations.
type StepConfig interface {
	stepType() StepType
}

// DecodeConfig decodes Config into the typed configuration for the step's
// type. Unknown fields are rejected.
func (s *Step) DecodeConfig() (StepConfig, error) {
	var cfg StepConfig
	switch s.Type {
	case StepTypeAgentTask:
		cfg = &AgentTaskConfig{}
	case StepTypeConditional:
		cfg = &ConditionalConfig{}
	case StepTypeParallel:
		cfg = &ParallelConfig{}
	case StepTypeApproval:
		cfg = &ApprovalConfig{}
	case StepTypeScript:
		cfg = &ScriptConfig{}
	case StepTypeLoop:
		cfg = &LoopConfig{}
	case StepTypeWait:
		cfg = &WaitConfig{}
	case StepTypeTransform:
		cfg = &TransformConfig{}
	case StepTypeWebhook:
		cfg = &WebhookConfig{}
	case StepTypeSubPipeline:
		cfg = &SubPipelineConfig{}
	default:
		return nil, NewErrorf(ErrCodeValidation, "unknown step type %q", s.Type).WithStep(s.ID)
	}

	raw := bytes.TrimSpace(s.Config)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return cfg, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "invalid %s config: %s", s.Type, err.Error()).
			WithStep(s.ID).WithCause(err)
	}
	return cfg, nil
}

// OwnedSteps returns the ids of steps driven by a control-flow step.
func OwnedSteps(cfg StepConfig) []string {
	switch c := cfg.(type) {
	case *ConditionalConfig:
		out := make([]string, 0, len(c.ThenSteps)+len(c.ElseSteps))
		out = append(out, c.ThenSteps...)
		return append(out, c.ElseSteps...)
	case *ParallelConfig:
		return c.Steps
	case *LoopConfig:
		return c.Steps
	}
	return nil
}

// AgentTaskConfig dispatches a prompt to an agent backend. Placeholders of the
// form {{path}} in Prompt are resolved against the run context.
type AgentTaskConfig struct {
	Agent          string         `json:"agent,omitempty"`
	Prompt         string         `json:"prompt"`
	Model          string         `json:"model,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	OutputVariable string         `json:"outputVariable,omitempty"`
}

// ConditionalConfig activates one of two branches.
type ConditionalConfig struct {
	Condition string   `json:"condition"`
	ThenSteps []string `json:"thenSteps,omitempty"`
	ElseSteps []string `json:"elseSteps,omitempty"`
}

// ParallelConfig runs the referenced steps concurrently.
type ParallelConfig struct {
	Steps          []string `json:"steps"`
	MaxConcurrency int      `json:"maxConcurrency,omitempty"`
	FailFast       bool     `json:"failFast,omitempty"`
}

// ApprovalTimeoutPolicy decides what an expired approval resolves to.
type ApprovalTimeoutPolicy string

const (
	OnTimeoutApprove ApprovalTimeoutPolicy = "approve"
	OnTimeoutReject  ApprovalTimeoutPolicy = "reject"
	OnTimeoutFail    ApprovalTimeoutPolicy = "fail"
)

// ApprovalConfig suspends a step until enough approvers agree.
type ApprovalConfig struct {
	Approvers      []string              `json:"approvers,omitempty"`
	MinApprovals   int                   `json:"minApprovals,omitempty"`
	Message        string                `json:"message,omitempty"`
	Timeout        Duration              `json:"timeout,omitempty"`
	OnTimeout      ApprovalTimeoutPolicy `json:"onTimeout,omitempty"`
	OutputVariable string                `json:"outputVariable,omitempty"`
}

// ScriptConfig runs a script in a subprocess.
type ScriptConfig struct {
	Script         string            `json:"script"`
	Interpreter    string            `json:"interpreter,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Cwd            string            `json:"cwd,omitempty"`
	Timeout        Duration          `json:"timeout,omitempty"`
	OutputVariable string            `json:"outputVariable,omitempty"`
}

// LoopMode selects the iteration strategy of a loop step.
type LoopMode string

const (
	LoopForEach LoopMode = "for_each"
	LoopWhile   LoopMode = "while"
	LoopUntil   LoopMode = "until"
)

// Loop iteration bounds.
const (
	DefaultMaxIterations = 100
	MaxIterationsLimit   = 10000
)

// LoopConfig repeats the referenced steps.
type LoopConfig struct {
	Mode           LoopMode `json:"mode,omitempty"`
	Source         string   `json:"source,omitempty"`
	Condition      string   `json:"condition,omitempty"`
	Steps          []string `json:"steps"`
	MaxIterations  int      `json:"maxIterations,omitempty"`
	Parallel       bool     `json:"parallel,omitempty"`
	ParallelLimit  int      `json:"parallelLimit,omitempty"`
	OutputVariable string   `json:"outputVariable,omitempty"`
}

// IterationLimit returns the effective iteration cap.
func (c *LoopConfig) IterationLimit() int {
	switch {
	case c.MaxIterations <= 0:
		return DefaultMaxIterations
	case c.MaxIterations > MaxIterationsLimit:
		return MaxIterationsLimit
	}
	return c.MaxIterations
}

// WaitMode selects what a wait step waits for.
type WaitMode string

const (
	WaitDuration WaitMode = "duration"
	WaitUntil    WaitMode = "until"
	WaitWebhook  WaitMode = "webhook"
)

// WaitConfig suspends a step for a time or until signalled.
type WaitConfig struct {
	Mode           WaitMode   `json:"mode,omitempty"`
	Duration       Duration   `json:"duration,omitempty"`
	Until          *time.Time `json:"until,omitempty"`
	Timeout        Duration   `json:"timeout,omitempty"`
	OutputVariable string     `json:"outputVariable,omitempty"`
}

// TransformOpKind names a transform operation.
type TransformOpKind string

const (
	OpSet     TransformOpKind = "set"
	OpDelete  TransformOpKind = "delete"
	OpMerge   TransformOpKind = "merge"
	OpMap     TransformOpKind = "map"
	OpFilter  TransformOpKind = "filter"
	OpReduce  TransformOpKind = "reduce"
	OpExtract TransformOpKind = "extract"
)

// TransformOp is a single data operation over the run context.
type TransformOp struct {
	Op         TransformOpKind `json:"op"`
	Source     string          `json:"source,omitempty"`
	Sources    []string        `json:"sources,omitempty"`
	Target     string          `json:"target,omitempty"`
	Path       string          `json:"path,omitempty"`
	Value      any             `json:"value,omitempty"`
	Expression string          `json:"expression,omitempty"`
	Initial    any             `json:"initial,omitempty"`
}

// TransformConfig applies operations in order.
type TransformConfig struct {
	Operations []TransformOp `json:"operations"`
}

// WebhookAuth configures outbound authentication.
type WebhookAuth struct {
	Type         string   `json:"type,omitempty"` // none | bearer | basic | api_key | oauth2
	Token        string   `json:"token,omitempty"`
	Username     string   `json:"username,omitempty"`
	Password     string   `json:"password,omitempty"`
	Header       string   `json:"header,omitempty"`
	Key          string   `json:"key,omitempty"`
	TokenURL     string   `json:"tokenUrl,omitempty"`
	ClientID     string   `json:"clientId,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// WebhookConfig issues an outbound HTTP call.
type WebhookConfig struct {
	URL            string            `json:"url"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           any               `json:"body,omitempty"`
	Auth           *WebhookAuth      `json:"auth,omitempty"`
	ValidateStatus []int             `json:"validateStatus,omitempty"`
	Extract        map[string]string `json:"extract,omitempty"`
	OutputVariable string            `json:"outputVariable,omitempty"`
	Timeout        Duration          `json:"timeout,omitempty"`
}

// SubPipelineConfig starts a nested run of another pipeline.
type SubPipelineConfig struct {
	PipelineID        string            `json:"pipelineId"`
	Version           int               `json:"version,omitempty"`
	Inputs            map[string]string `json:"inputs,omitempty"`
	WaitForCompletion bool              `json:"waitForCompletion,omitempty"`
	Timeout           Duration          `json:"timeout,omitempty"`
	OutputVariable    string            `json:"outputVariable,omitempty"`
}

func (*AgentTaskConfig) stepType() StepType   { return StepTypeAgentTask }
func (*ConditionalConfig) stepType() StepType { return StepTypeConditional }
func (*ParallelConfig) stepType() StepType    { return StepTypeParallel }
func (*ApprovalConfig) stepType() StepType    { return StepTypeApproval }
func (*ScriptConfig) stepType() StepType      { return StepTypeScript }
func (*LoopConfig) stepType() StepType        { return StepTypeLoop }
func (*WaitConfig) stepType() StepType        { return StepTypeWait }
func (*TransformConfig) stepType() StepType   { return StepTypeTransform }
func (*WebhookConfig) stepType() StepType     { return StepTypeWebhook }
func (*SubPipelineConfig) stepType() StepType { return StepTypeSubPipeline }

// KindOf returns the step type a decoded config belongs to.
func KindOf(cfg StepConfig) StepType {
	if cfg == nil {
		return ""
	}
	return cfg.stepType()
}

// MustConfig marshals v for use as Step.Config; it panics on marshal errors
// and is meant for literals in code and tests.
func MustConfig(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("schema: marshal step config: %v", err))
	}
	return data
}
