package executors

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/rendis/conveyor/pkg/schema"
)

// JQ evaluates jq queries used by webhook extraction. Compiled code is cached
// and reused across goroutines. Queries have no access to the environment.
type JQ struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewJQ creates an empty JQ engine.
func NewJQ() *JQ {
	return &JQ{cache: make(map[string]*gojq.Code)}
}

// Check compiles the query without running it.
func (j *JQ) Check(query string) error {
	_, err := j.compile(query)
	return err
}

// Eval runs query against input. A single result is returned directly,
// several are collected into a slice and none yields nil.
func (j *JQ) Eval(ctx context.Context, query string, input any) (any, error) {
	code, err := j.compile(query)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, input)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "jq query %q failed: %s", query, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"query": query})
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (j *JQ) compile(query string) (*gojq.Code, error) {
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq query")
	}

	j.mu.RLock()
	if code, ok := j.cache[query]; ok {
		j.mu.RUnlock()
		return code, nil
	}
	j.mu.RUnlock()

	j.mu.Lock()
	defer j.mu.Unlock()

	if code, ok := j.cache[query]; ok {
		return code, nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq parse error in %q: %s", query, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"query": query})
	}
	code, err := gojq.Compile(parsed, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq compile error in %q: %s", query, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"query": query})
	}
	j.cache[query] = code
	return code, nil
}
