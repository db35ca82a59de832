package diagram

import (
	"fmt"

	"github.com/rendis/conveyor/internal/engine"
	"github.com/rendis/conveyor/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build constructs a DiagramModel from a pipeline definition and an optional
// run whose step states are overlaid on the nodes. It uses engine.ParseDAG
// for topology, so owned steps carry an edge from their owner.
func Build(def *schema.PipelineDefinition, run *schema.Run) (*DiagramModel, error) {
	dag, err := engine.ParseDAG(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: parse DAG: %w", err)
	}

	var states map[string]*schema.StepState
	if run != nil {
		states = run.Steps
	}

	nodes := make([]*Node, 0, len(dag.Steps)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, id := range dag.Sorted {
		step := dag.Steps[id]
		node := &Node{
			ID:    id,
			Label: nodeLabel(step),
			Kind:  stepTypeToKind(step.Type),
			Owner: dag.Owner[id],
		}
		node.Status = overlay(states[id])
		node.Children = children(dag.Configs[id])
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title:  title(def),
		Nodes:  nodes,
		Edges:  buildEdges(dag),
		Levels: buildLevels(dag),
	}, nil
}

func stepTypeToKind(t schema.StepType) NodeKind {
	switch t {
	case schema.StepTypeAgentTask:
		return NodeKindAgent
	case schema.StepTypeConditional:
		return NodeKindConditional
	case schema.StepTypeParallel:
		return NodeKindParallel
	case schema.StepTypeLoop:
		return NodeKindLoop
	case schema.StepTypeApproval:
		return NodeKindApproval
	case schema.StepTypeWait:
		return NodeKindWait
	case schema.StepTypeSubPipeline:
		return NodeKindSubPipeline
	default:
		return NodeKindTask
	}
}

// nodeLabel is "id\n(type)"; renderers that fit one line use the first line.
func nodeLabel(step *schema.Step) string {
	name := step.ID
	if step.Name != "" {
		name = step.Name
	}
	return fmt.Sprintf("%s\n(%s)", name, step.Type)
}

func overlay(ss *schema.StepState) *StatusOverlay {
	if ss == nil {
		return nil
	}
	out := &StatusOverlay{Status: string(ss.Status), Attempts: ss.Attempts}
	if ss.StartedAt != nil && ss.CompletedAt != nil {
		out.DurationMs = ss.CompletedAt.Sub(*ss.StartedAt).Milliseconds()
	}
	if ss.LastError != nil {
		out.Error = ss.LastError.Message
	}
	return out
}

func children(cfg schema.StepConfig) []*SubGraph {
	switch c := cfg.(type) {
	case *schema.ConditionalConfig:
		var out []*SubGraph
		if len(c.ThenSteps) > 0 {
			out = append(out, &SubGraph{Label: "then", NodeIDs: c.ThenSteps})
		}
		if len(c.ElseSteps) > 0 {
			out = append(out, &SubGraph{Label: "else", NodeIDs: c.ElseSteps})
		}
		return out
	case *schema.ParallelConfig:
		if len(c.Steps) > 0 {
			return []*SubGraph{{Label: "branches", NodeIDs: c.Steps}}
		}
	case *schema.LoopConfig:
		if len(c.Steps) > 0 {
			return []*SubGraph{{Label: "body", NodeIDs: c.Steps}}
		}
	}
	return nil
}

// edgeLabel names the ownership edge from owner to child.
func edgeLabel(dag *engine.DAG, owner, child string) string {
	for _, sg := range children(dag.Configs[owner]) {
		for _, id := range sg.NodeIDs {
			if id == child {
				return sg.Label
			}
		}
	}
	return ""
}

// buildEdges emits edges in topological order of their target so output is
// deterministic.
func buildEdges(dag *engine.DAG) []Edge {
	var edges []Edge
	for _, root := range dag.Roots {
		edges = append(edges, Edge{From: startID, To: root})
	}
	for _, id := range dag.Sorted {
		for _, dep := range dag.Edges[id] {
			e := Edge{From: dep, To: id}
			if dag.Owner[id] == dep {
				e.Label = edgeLabel(dag, dep, id)
			}
			edges = append(edges, e)
		}
	}
	for _, id := range dag.Sorted {
		if len(dag.Reverse[id]) == 0 {
			edges = append(edges, Edge{From: id, To: endID})
		}
	}
	return edges
}

func buildLevels(dag *engine.DAG) [][]string {
	levels := make([][]string, 0, len(dag.Levels)+2)
	levels = append(levels, []string{startID})
	levels = append(levels, dag.Levels...)
	levels = append(levels, []string{endID})
	return levels
}

func title(def *schema.PipelineDefinition) string {
	name := def.Name
	if name == "" {
		name = def.ID
	}
	if def.Version > 0 {
		return fmt.Sprintf("%s v%d", name, def.Version)
	}
	return name
}
