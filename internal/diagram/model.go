package diagram

// NodeKind classifies a diagram node by its step type.
type NodeKind string

const (
	NodeKindTask        NodeKind = "task" // script, transform, webhook
	NodeKindAgent       NodeKind = "agent"
	NodeKindConditional NodeKind = "conditional"
	NodeKindParallel    NodeKind = "parallel"
	NodeKindLoop        NodeKind = "loop"
	NodeKindApproval    NodeKind = "approval"
	NodeKindWait        NodeKind = "wait"
	NodeKindSubPipeline NodeKind = "sub_pipeline"
	NodeKindStart       NodeKind = "start"
	NodeKindEnd         NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node // topological order, virtual start first and end last
	Edges  []Edge
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Owner    string // control-flow step driving this one, if any
	Status   *StatusOverlay
	Children []*SubGraph // steps driven by a conditional, parallel or loop step
}

// SubGraph groups the steps a control-flow step drives. Nodes are referenced
// by ID; every step appears exactly once in DiagramModel.Nodes.
type SubGraph struct {
	Label   string
	NodeIDs []string
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // from schema.StepStatus
	DurationMs int64
	Attempts   int
	Error      string
}

// Edge represents a dependency between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

// Node returns the node with the given ID, or nil.
func (m *DiagramModel) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
