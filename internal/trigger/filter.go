package trigger

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rendis/conveyor/pkg/schema"
)

// FilterEngine compiles and evaluates CEL event filters. The environment
// exposes a single variable:
//   - event: map(string, dyn) with keys type, source and data
//
// Compiled programs are cached and shared across goroutines.
type FilterEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewFilterEngine creates a FilterEngine.
func NewFilterEngine() (*FilterEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &FilterEngine{env: env, cache: make(map[string]cel.Program)}, nil
}

// Check compiles the filter and verifies it yields a bool.
func (f *FilterEngine) Check(filter string) error {
	_, err := f.program(filter)
	return err
}

// Match evaluates the filter against ev. An empty filter matches everything.
func (f *FilterEngine) Match(filter string, ev Event) (bool, error) {
	if filter == "" {
		return true, nil
	}
	prg, err := f.program(filter)
	if err != nil {
		return false, err
	}

	data := ev.Data
	if data == nil {
		data = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"event": map[string]any{"type": ev.Type, "source": ev.Source, "data": data},
	})
	if err != nil {
		// Missing keys in event data are a non-match, not a fault.
		return false, nil
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "filter %q returned %T, want bool", filter, out.Value())
	}
	return matched, nil
}

func (f *FilterEngine) program(filter string) (cel.Program, error) {
	f.mu.RLock()
	if prg, ok := f.cache[filter]; ok {
		f.mu.RUnlock()
		return prg, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	if prg, ok := f.cache[filter]; ok {
		return prg, nil
	}

	ast, issues := f.env.Compile(filter)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "CEL compile error in %q: %s", filter, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"filter": filter})
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "filter %q must evaluate to bool, got %s", filter, out)
	}

	prg, err := f.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "CEL program error for %q: %s", filter, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"filter": filter})
	}

	f.cache[filter] = prg
	return prg, nil
}
