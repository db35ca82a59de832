package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/conveyor/pkg/schema"
)

// validateDAG checks ownership of driven steps and runs cycle detection
// (Kahn's algorithm) over dependsOn plus the implicit edge from every owned
// step to its owner. Owned steps may depend only on their owner or on
// siblings driven by the same owner.
func validateDAG(def *schema.PipelineDefinition, decoded map[string]schema.StepConfig) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		stepIDs[s.ID] = true
	}

	// owner[child] = control-flow step driving it; group[owner] = its children.
	owner := make(map[string]string)
	group := make(map[string]map[string]bool)
	for _, s := range def.Steps {
		cfg, ok := decoded[s.ID]
		if !ok {
			continue
		}
		children := schema.OwnedSteps(cfg)
		if len(children) == 0 {
			continue
		}
		group[s.ID] = make(map[string]bool, len(children))
		for _, child := range children {
			path := fmt.Sprintf("steps[%s].config", s.ID)
			switch {
			case child == s.ID:
				result.AddErrorf(path, schema.ErrCodeCycleDetected, "step %q drives itself", s.ID)
				continue
			case !stepIDs[child]:
				result.AddErrorf(path, schema.ErrCodeValidation, "references non-existent step %q", child)
				continue
			}
			if prev, taken := owner[child]; taken && prev != s.ID {
				result.AddErrorf(path, schema.ErrCodeValidation, "step %q is driven by both %q and %q", child, prev, s.ID)
				continue
			}
			owner[child] = s.ID
			group[s.ID][child] = true
		}
	}

	for _, s := range def.Steps {
		o, owned := owner[s.ID]
		if !owned {
			continue
		}
		for _, dep := range s.DependsOn {
			if dep != o && !group[o][dep] {
				result.AddErrorf(fmt.Sprintf("steps[%s].dependsOn", s.ID), schema.ErrCodeValidation,
					"step %q is driven by %q and may depend only on it or its siblings, not %q", s.ID, o, dep)
			}
		}
	}

	if !result.Valid() {
		return result
	}

	// edges[id] = dependencies of id, reverse[id] = dependents of id.
	edges := make(map[string][]string, len(def.Steps))
	reverse := make(map[string][]string, len(def.Steps))
	for _, s := range def.Steps {
		seen := make(map[string]bool, len(s.DependsOn)+1)
		deps := append([]string(nil), s.DependsOn...)
		if o, ok := owner[s.ID]; ok {
			deps = append(deps, o)
		}
		for _, dep := range deps {
			if !stepIDs[dep] || seen[dep] || dep == s.ID {
				continue // reported by the semantic stage
			}
			seen[dep] = true
			edges[s.ID] = append(edges[s.ID], dep)
			reverse[dep] = append(reverse[dep], s.ID)
		}
	}

	inDegree := make(map[string]int, len(stepIDs))
	for id := range stepIDs {
		inDegree[id] = len(edges[id])
	}
	queue := make([]string, 0, len(stepIDs))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(stepIDs) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		result.AddErrorf("steps", schema.ErrCodeCycleDetected, "pipeline contains a dependency cycle among: %s", strings.Join(stuck, ", "))
	}

	return result
}
