package models

// NodeType is the kind of a node in the authoring graph.
type NodeType string

// Graph node kinds.
const (
	NodeTrigger   NodeType = "trigger"
	NodeCondition NodeType = "condition"
	NodeAction    NodeType = "action"
)

// Edge labels used on condition node outputs.
const (
	EdgeYes = "yes"
	EdgeNo  = "no"
)

// GraphNodeData carries the per-node payload of the builder.
type GraphNodeData struct {
	Label          string      `json:"label,omitempty" yaml:"label,omitempty"`
	Conditions     []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	ConditionLogic Logic       `json:"condition_logic,omitempty" yaml:"condition_logic,omitempty"`
	Step           *Step       `json:"step,omitempty" yaml:"step,omitempty"`
}

// GraphNode is a node of the authoring graph.
type GraphNode struct {
	ID   string        `json:"id" yaml:"id"`
	Type NodeType      `json:"type" yaml:"type"`
	Data GraphNodeData `json:"data" yaml:"data"`
}

// GraphEdge connects two nodes; Label is "yes", "no" or empty.
type GraphEdge struct {
	ID     string `json:"id,omitempty" yaml:"id,omitempty"`
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	Label  string `json:"label,omitempty" yaml:"label,omitempty"`
}

// FlowGraph is the builder artifact. It is compiled into linear flows and is
// never interpreted during a run.
type FlowGraph struct {
	Nodes []GraphNode `json:"nodes" yaml:"nodes"`
	Edges []GraphEdge `json:"edges" yaml:"edges"`
}
