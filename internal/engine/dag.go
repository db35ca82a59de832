package engine

import (
	"fmt"

	"github.com/rendis/conveyor/pkg/schema"
)

// DAG is the in-memory graph of a pipeline definition. Edges include the
// implicit dependency of every owned step on its control-flow owner.
type DAG struct {
	Steps   map[string]*schema.Step      // step ID → definition
	Configs map[string]schema.StepConfig // step ID → decoded config
	Edges   map[string][]string          // step ID → dependencies
	Reverse map[string][]string          // step ID → dependents
	Owner   map[string]string            // owned step ID → control-flow owner
	Sorted  []string                     // topological order
	Roots   []string                     // steps with no dependencies
	Levels  [][]string                   // parallel execution levels
	order   map[string]int               // declaration index
}

// ParseDAG builds the graph of def with Kahn's algorithm. A cycle yields
// CYCLE_DETECTED naming the steps on it.
func ParseDAG(def *schema.PipelineDefinition) (*DAG, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline definition is nil")
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline has no steps")
	}

	dag := &DAG{
		Steps:   make(map[string]*schema.Step, len(def.Steps)),
		Configs: make(map[string]schema.StepConfig, len(def.Steps)),
		Edges:   make(map[string][]string, len(def.Steps)),
		Reverse: make(map[string][]string, len(def.Steps)),
		Owner:   make(map[string]string),
		order:   make(map[string]int, len(def.Steps)),
	}

	// First pass: register steps and decode configs.
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.ID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("step at index %d has empty ID", i))
		}
		if _, exists := dag.Steps[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step ID: %s", step.ID)
		}
		cfg, err := step.DecodeConfig()
		if err != nil {
			return nil, err
		}
		dag.Steps[step.ID] = step
		dag.Configs[step.ID] = cfg
		dag.order[step.ID] = i
	}

	// Second pass: ownership.
	for _, step := range def.Steps {
		for _, child := range schema.OwnedSteps(dag.Configs[step.ID]) {
			if _, exists := dag.Steps[child]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s references non-existent step: %s", step.ID, child).WithStep(step.ID)
			}
			if child == step.ID {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s references itself", step.ID).WithStep(step.ID)
			}
			if prev, owned := dag.Owner[child]; owned {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s is referenced by both %s and %s", child, prev, step.ID).WithStep(child)
			}
			dag.Owner[child] = step.ID
		}
	}

	// Third pass: adjacency lists.
	for _, step := range def.Steps {
		id := step.ID
		seen := make(map[string]bool, len(step.DependsOn)+1)
		deps := make([]string, 0, len(step.DependsOn)+1)
		for _, dep := range step.DependsOn {
			if _, exists := dag.Steps[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s depends on non-existent step: %s", id, dep).WithStep(id)
			}
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s depends on itself", id).
					WithStep(id).WithDetails(map[string]any{"cycle": []string{id}})
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has duplicate dependency: %s", id, dep).WithStep(id)
			}
			seen[dep] = true
			deps = append(deps, dep)
		}
		if owner, ok := dag.Owner[id]; ok && !seen[owner] {
			deps = append(deps, owner)
		}
		for _, dep := range deps {
			dag.Reverse[dep] = append(dag.Reverse[dep], id)
		}
		dag.Edges[id] = deps
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(dag.Steps))
	for id := range dag.Steps {
		inDegree[id] = len(dag.Edges[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sortStrings(queue)
	dag.Roots = make([]string, len(queue))
	copy(dag.Roots, queue)

	sorted := make([]string, 0, len(dag.Steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := make([]string, len(dag.Reverse[node]))
		copy(dependents, dag.Reverse[node])
		sortStrings(dependents)

		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(dag.Steps) {
		cycle := findCycle(dag.Edges, inDegree)
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "pipeline contains a cycle: %v", cycle).
			WithDetails(map[string]any{"cycle": cycle})
	}

	dag.Sorted = sorted
	dag.Levels = computeLevels(dag)
	return dag, nil
}

// findCycle walks the unsorted remainder of Kahn's algorithm and returns
// the steps of one cycle in dependency order.
func findCycle(edges map[string][]string, inDegree map[string]int) []string {
	remaining := make([]string, 0)
	for id, deg := range inDegree {
		if deg > 0 {
			remaining = append(remaining, id)
		}
	}
	sortStrings(remaining)
	if len(remaining) == 0 {
		return nil
	}

	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(remaining))
	var stack []string
	var found []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = onStack
		stack = append(stack, id)
		deps := append([]string(nil), edges[id]...)
		sortStrings(deps)
		for _, dep := range deps {
			if inDegree[dep] == 0 {
				continue
			}
			switch state[dep] {
			case onStack:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == dep {
						found = append([]string(nil), stack[i:]...)
						return true
					}
				}
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return false
	}

	for _, id := range remaining {
		if state[id] == unvisited && visit(id) {
			return found
		}
	}
	return remaining
}

// computeLevels groups steps into parallel execution levels.
func computeLevels(dag *DAG) [][]string {
	depth := make(map[string]int, len(dag.Steps))
	for _, id := range dag.Sorted {
		maxDep := -1
		for _, dep := range dag.Edges[id] {
			if depth[dep] > maxDep {
				maxDep = depth[dep]
			}
		}
		depth[id] = maxDep + 1
	}

	maxLevel := 0
	for _, d := range depth {
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range dag.Sorted {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}

// SchedulerDriven reports whether the scheduler starts the step itself. Steps
// owned by a parallel or loop step, and anything nested under them, are run
// inline by their driver instead.
func (d *DAG) SchedulerDriven(id string) bool {
	owner, ok := d.Owner[id]
	if !ok {
		return true
	}
	if d.Steps[owner].Type != schema.StepTypeConditional {
		return false
	}
	return d.SchedulerDriven(owner)
}

// Owned returns the steps a control-flow step drives, in declared order.
func (d *DAG) Owned(id string) []string {
	return schema.OwnedSteps(d.Configs[id])
}

// Descendants returns every step transitively owned by id.
func (d *DAG) Descendants(id string) []string {
	var out []string
	for _, child := range d.Owned(id) {
		out = append(out, child)
		out = append(out, d.Descendants(child)...)
	}
	return out
}

// InDeclarationOrder sorts ids by their position in the definition.
func (d *DAG) InDeclarationOrder(ids []string) []string {
	out := append([]string(nil), ids...)
	for i := 1; i < len(out); i++ {
		key := out[i]
		j := i - 1
		for j >= 0 && d.order[out[j]] > d.order[key] {
			out[j+1] = out[j]
			j--
		}
		out[j+1] = key
	}
	return out
}

// sortStrings sorts a small slice of strings in place using insertion sort.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && s[j] > key {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}

// InTopologicalOrder sorts ids so every step follows its dependencies.
func (d *DAG) InTopologicalOrder(ids []string) []string {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make([]string, 0, len(ids))
	for _, id := range d.Sorted {
		if want[id] {
			out = append(out, id)
		}
	}
	return out
}

// SiblingOrder returns ids so that each step follows the steps of ids it
// depends on. Otherwise the given order is kept.
func (d *DAG) SiblingOrder(ids []string) []string {
	placed := make(map[string]bool, len(ids))
	member := make(map[string]bool, len(ids))
	for _, id := range ids {
		member[id] = true
	}
	out := make([]string, 0, len(ids))
	for len(out) < len(ids) {
		progressed := false
		for _, id := range ids {
			if placed[id] {
				continue
			}
			ready := true
			for _, dep := range d.Edges[id] {
				if member[dep] && !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				placed[id] = true
				out = append(out, id)
				progressed = true
			}
		}
		if !progressed {
			// Only reachable with a cycle, which ParseDAG rejects.
			return d.InTopologicalOrder(ids)
		}
	}
	return out
}
