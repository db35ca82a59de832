// Package executors implements the leaf step kinds of a pipeline. Control-flow
// kinds (conditional, parallel, loop, sub_pipeline) are driven by the engine.
package executors

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/conveyor/internal/sandbox"
	"github.com/rendis/conveyor/pkg/schema"
)

// Status is the result kind of a single executor invocation.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSuspended Status = "suspended"
)

// Request is the input to an executor. Context is a read-only snapshot of
// the run context; executors never write it directly.
type Request struct {
	RunID   string
	StepKey string // instance key, differs from Step.ID inside loop iterations
	Step    *schema.Step
	Config  schema.StepConfig
	Context map[string]any
	Env     map[string]any // expression environment: ctx, steps, run, loop
	Attempt int
}

// Key is the instance key errors are attributed to. It falls back to the
// step ID when the request was built without one.
func (r *Request) Key() string {
	if r.StepKey != "" {
		return r.StepKey
	}
	if r.Step != nil {
		return r.Step.ID
	}
	return ""
}

// MutationOp names a context write.
type MutationOp string

const (
	MutationSet    MutationOp = "set"
	MutationDelete MutationOp = "delete"
)

// Mutation is a single write to the run context, applied by the engine.
type Mutation struct {
	Op    MutationOp `json:"op"`
	Path  string     `json:"path"`
	Value any        `json:"value,omitempty"`
}

// SuspensionKind names what a suspended step waits for.
type SuspensionKind string

const (
	SuspendApproval SuspensionKind = "approval"
	SuspendSignal   SuspensionKind = "signal"
)

// Suspension parks a step until an external decision or signal arrives.
type Suspension struct {
	Kind     SuspensionKind
	Token    string
	Timeout  time.Duration
	Message  string
	Approval *schema.ApprovalConfig
}

// Outcome is what an executor reports back.
type Outcome struct {
	Status     Status
	Output     any
	Error      *schema.Error
	Mutations  []Mutation
	Suspension *Suspension
}

// Completed builds a successful outcome.
func Completed(output any) *Outcome {
	return &Outcome{Status: StatusCompleted, Output: output}
}

// Failed builds a failed outcome.
func Failed(err *schema.Error) *Outcome {
	return &Outcome{Status: StatusFailed, Error: err}
}

// Suspended builds a suspended outcome.
func Suspended(s *Suspension) *Outcome {
	return &Outcome{Status: StatusSuspended, Suspension: s}
}

// Executor runs one step kind.
type Executor interface {
	Kind() schema.StepType
	Execute(ctx context.Context, req *Request) (*Outcome, error)
}

// Registry maps step kinds to executors. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[schema.StepType]Executor
}

// NewRegistry creates a Registry holding the given executors.
func NewRegistry(execs ...Executor) (*Registry, error) {
	r := &Registry{executors: make(map[schema.StepType]Executor)}
	for _, e := range execs {
		if err := r.Register(e); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an executor. Returns CONFLICT on a duplicate kind.
func (r *Registry) Register(e Executor) error {
	if e == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	kind := e.Kind()
	if kind.IsControlFlow() || kind == schema.StepTypeSubPipeline {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s steps are driven by the engine", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor for %q already registered", kind)
	}
	r.executors[kind] = e
	return nil
}

// Get returns the executor for kind.
func (r *Registry) Get(kind schema.StepType) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executors[kind]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no executor registered for %q", kind)
	}
	return e, nil
}

// Kinds lists the registered kinds, sorted.
func (r *Registry) Kinds() []schema.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]schema.StepType, 0, len(r.executors))
	for k := range r.executors {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Apply writes muts into root in order through the Path Guard. The caller
// passes a copy when the writes must be all-or-nothing.
func Apply(root map[string]any, muts []Mutation) error {
	for _, m := range muts {
		p, err := sandbox.ParsePath(m.Path)
		if err != nil {
			return err
		}
		switch m.Op {
		case MutationSet:
			if err := p.Set(root, sandbox.Clone(m.Value)); err != nil {
				return err
			}
		case MutationDelete:
			if _, err := p.Delete(root); err != nil {
				return err
			}
		default:
			return schema.NewErrorf(schema.ErrCodeValidation, "unknown mutation %q", m.Op)
		}
	}
	return nil
}

// asError converts any error into a structured one, defaulting to code.
func asError(err error, code string) *schema.Error {
	if err == nil {
		return nil
	}
	if se, ok := schema.AsError(err); ok {
		return se
	}
	return schema.Wrap(err, code)
}
