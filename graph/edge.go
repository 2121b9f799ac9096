package graph

// Reserved node IDs marking the entry and exit of every workflow.
const (
	// START is the virtual entry node. It never executes; its single
	// outgoing edge names the first real node.
	START = "__start__"

	// END is the virtual terminal node. Reaching it completes the run.
	END = "__end__"
)

// Edge represents an unconditional connection between two nodes.
//
// A node has at most one static edge. The engine follows it whenever the
// node neither reroutes nor returns a dynamic Goto target.
type Edge struct {
	// From is the source node ID.
	From string

	// To is the destination node ID.
	To string
}

// Branch is a conditional edge set owned by a router node.
//
// The router returns Choose(label) and the engine looks the label up in
// Routes. A label missing from Routes is a configuration bug and aborts the
// run with a RoutingError.
type Branch struct {
	// From is the router node ID.
	From string

	// Routes maps router labels to destination node IDs.
	Routes map[string]string
}
