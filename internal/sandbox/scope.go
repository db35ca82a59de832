package sandbox

// Scope names the evaluation site of an expression and fixes which
// identifiers it may reference.
type Scope string

const (
	// ScopeCondition covers step conditions, conditional steps and while/until loops.
	ScopeCondition Scope = "condition"
	// ScopeValue covers transform "set" expressions.
	ScopeValue Scope = "value"
	// ScopeElement covers per-element "map" and "filter" expressions.
	ScopeElement Scope = "element"
	// ScopeReduce covers "reduce" expressions.
	ScopeReduce Scope = "reduce"
)

var allowLists = map[Scope][]string{
	ScopeCondition: {"ctx", "steps", "run", "loop"},
	ScopeValue:     {"ctx", "steps", "run", "loop"},
	ScopeElement:   {"item", "value", "index", "ctx"},
	ScopeReduce:    {"acc", "item", "value", "index", "ctx"},
}

// Allowed returns the identifiers permitted in the scope.
func (s Scope) Allowed() []string {
	return allowLists[s]
}

func (s Scope) allows(name string) bool {
	for _, n := range allowLists[s] {
		if n == name {
			return true
		}
	}
	return false
}

// ElementEnv builds the environment for a map/filter expression over one
// element: item is {value, index}, with value and index also bound directly.
func ElementEnv(ctx map[string]any, element any, index int) map[string]any {
	return map[string]any{
		"item":  map[string]any{"value": element, "index": float64(index)},
		"value": element,
		"index": float64(index),
		"ctx":   ctx,
	}
}

// ReduceEnv extends ElementEnv with the accumulator.
func ReduceEnv(ctx map[string]any, acc, element any, index int) map[string]any {
	env := ElementEnv(ctx, element, index)
	env["acc"] = acc
	return env
}
