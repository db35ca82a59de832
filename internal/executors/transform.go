package executors

import (
	"context"

	"github.com/rendis/conveyor/internal/sandbox"
	"github.com/rendis/conveyor/pkg/schema"
)

// TransformExecutor applies data operations to a working copy of the run
// context and reports them as mutations. Later operations see the results of
// earlier ones; the engine applies the whole list atomically.
type TransformExecutor struct {
	sandbox *sandbox.Sandbox
}

// NewTransformExecutor creates a TransformExecutor evaluating with sb.
func NewTransformExecutor(sb *sandbox.Sandbox) *TransformExecutor {
	return &TransformExecutor{sandbox: sb}
}

func (e *TransformExecutor) Kind() schema.StepType { return schema.StepTypeTransform }

func (e *TransformExecutor) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	cfg, ok := req.Config.(*schema.TransformConfig)
	if !ok {
		return nil, configMismatch(req, schema.StepTypeTransform)
	}

	work := sandbox.CloneMap(req.Context)
	muts := make([]Mutation, 0, len(cfg.Operations))
	for i, op := range cfg.Operations {
		m, err := e.apply(ctx, req, work, op)
		if err != nil {
			se := asError(err, schema.ErrCodeExecution)
			if se.Details == nil {
				se.Details = map[string]any{}
			}
			se.Details["operation"] = i
			return Failed(se.WithStep(req.Key())), nil
		}
		if err := Apply(work, []Mutation{m}); err != nil {
			return Failed(asError(err, schema.ErrCodeExecution).WithStep(req.Key())), nil
		}
		muts = append(muts, m)
	}

	out := &Outcome{Status: StatusCompleted, Mutations: muts}
	if n := len(muts); n > 0 && muts[n-1].Op == MutationSet {
		out.Output = sandbox.Clone(muts[n-1].Value)
	}
	return out, nil
}

func (e *TransformExecutor) apply(ctx context.Context, req *Request, work map[string]any, op schema.TransformOp) (Mutation, error) {
	switch op.Op {
	case schema.OpSet:
		target := firstNonEmpty(op.Target, op.Path)
		if op.Expression != "" {
			env := e.valueEnv(req, work)
			v, err := e.sandbox.Eval(ctx, op.Expression, sandbox.ScopeValue, env)
			if err != nil {
				return Mutation{}, err
			}
			return set(target, v)
		}
		v, err := sandbox.Normalize(op.Value)
		if err != nil {
			return Mutation{}, schema.Wrap(err, schema.ErrCodeValidation)
		}
		return set(target, v)

	case schema.OpDelete:
		target := firstNonEmpty(op.Path, op.Target)
		if target == "" {
			return Mutation{}, schema.NewError(schema.ErrCodeValidation, "delete needs a path")
		}
		return Mutation{Op: MutationDelete, Path: target}, nil

	case schema.OpMerge:
		merged := map[string]any{}
		for _, src := range op.Sources {
			v, err := lookup(work, src)
			if err != nil {
				return Mutation{}, err
			}
			obj, ok := v.(map[string]any)
			if !ok {
				return Mutation{}, schema.NewErrorf(schema.ErrCodeExecution, "merge source %q is not an object", src)
			}
			for k, item := range obj {
				merged[k] = sandbox.Clone(item)
			}
		}
		return set(op.Target, merged)

	case schema.OpMap, schema.OpFilter:
		arr, err := lookupArray(work, op.Source)
		if err != nil {
			return Mutation{}, err
		}
		out := make([]any, 0, len(arr))
		for i, el := range arr {
			v, err := e.sandbox.Eval(ctx, op.Expression, sandbox.ScopeElement, sandbox.ElementEnv(work, el, i))
			if err != nil {
				return Mutation{}, err
			}
			if op.Op == schema.OpMap {
				out = append(out, v)
			} else if sandbox.Truthy(v) {
				out = append(out, sandbox.Clone(el))
			}
		}
		return set(firstNonEmpty(op.Target, op.Source), out)

	case schema.OpReduce:
		arr, err := lookupArray(work, op.Source)
		if err != nil {
			return Mutation{}, err
		}
		acc, err := sandbox.Normalize(op.Initial)
		if err != nil {
			return Mutation{}, schema.Wrap(err, schema.ErrCodeValidation)
		}
		for i, el := range arr {
			acc, err = e.sandbox.Eval(ctx, op.Expression, sandbox.ScopeReduce, sandbox.ReduceEnv(work, acc, el, i))
			if err != nil {
				return Mutation{}, err
			}
		}
		return set(op.Target, acc)

	case schema.OpExtract:
		v, err := lookup(work, op.Path)
		if err != nil {
			return Mutation{}, err
		}
		return set(op.Target, sandbox.Clone(v))
	}
	return Mutation{}, schema.NewErrorf(schema.ErrCodeValidation, "unknown transform operation %q", op.Op)
}

// valueEnv rebinds ctx to the working copy so set expressions observe
// earlier operations.
func (e *TransformExecutor) valueEnv(req *Request, work map[string]any) map[string]any {
	env := make(map[string]any, len(req.Env)+1)
	for k, v := range req.Env {
		env[k] = v
	}
	env["ctx"] = work
	return env
}

func set(target string, v any) (Mutation, error) {
	if target == "" {
		return Mutation{}, schema.NewError(schema.ErrCodeValidation, "operation needs a target")
	}
	if _, err := sandbox.ParsePath(target); err != nil {
		return Mutation{}, err
	}
	return Mutation{Op: MutationSet, Path: target, Value: v}, nil
}

func lookup(root map[string]any, raw string) (any, error) {
	p, err := sandbox.ParsePath(raw)
	if err != nil {
		return nil, err
	}
	v, ok := p.Get(root)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "path %q not found in context", raw)
	}
	return v, nil
}

func lookupArray(root map[string]any, raw string) ([]any, error) {
	v, err := lookup(root, raw)
	if err != nil {
		return nil, err
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "path %q is not an array", raw)
	}
	return arr, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func configMismatch(req *Request, want schema.StepType) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "step %q: expected %s config, got %T", req.Step.ID, want, req.Config).
		WithStep(req.Key())
}
