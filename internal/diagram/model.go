// Package diagram renders the workflow transition table, optionally overlaid
// with the path a stored run took, as Mermaid, ASCII or PNG.
package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStep     NodeKind = "step"
	NodeKindTerminal NodeKind = "terminal" // step with no outgoing edge
	NodeKindStart    NodeKind = "start"
	NodeKindEnd      NodeKind = "end"
)

// Overlay statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Virtual node ids.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries what a run did at this step.
type StatusOverlay struct {
	Status     string
	Emitted    string
	DurationMs int64
	Error      string
}

// Edge is a routed event. Implicit edges mark events that end the run.
type Edge struct {
	From     string
	To       string
	Label    string
	Implicit bool
	Taken    bool
}
