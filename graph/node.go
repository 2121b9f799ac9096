package graph

import "context"

// Node represents a processing unit in the workflow graph.
// It receives state of type S, performs computation, and returns a NodeResult.
//
// Nodes are the fundamental building blocks of a workflow.
// Each node can:
//   - Read the current state
//   - Perform computation (call LLMs, tools, or custom logic)
//   - Return state modifications via Delta
//   - Control routing via Route
//   - Report failure via Err
//
// Nodes never mutate the state they receive. Everything a node produces is
// returned in Delta and merged by the engine's reducer.
//
// Type parameter S is the state type shared across the workflow.
type Node[S any] interface {
	// Run executes the node's logic with the given context and state.
	Run(ctx context.Context, state S) NodeResult[S]
}

// NodeResult represents the output of a node execution.
//
// It contains all information needed to continue workflow execution:
//   - Delta: Partial state update to be merged via reducer
//   - Route: Routing decision for this invocation
//   - Err: Node-level error (if any)
type NodeResult[S any] struct {
	// Delta is the partial state update produced by this node.
	// It will be merged with the current state using the configured reducer.
	// Delta is discarded when Err is non-nil.
	Delta S

	// Route specifies the next step in workflow execution.
	// The zero value follows the node's static edge.
	Route Next

	// Err contains any error that occurred during node execution.
	// A failed node is retried according to its RetryPolicy and
	// rerouted to the engine's fallback node once attempts run out.
	Err error
}

// Next specifies the routing decision a node makes for one invocation.
//
// It supports four routing modes, checked in this order:
//   - Terminal: Jump straight to END (Terminal = true)
//   - Dynamic: Go to a specific node, overriding any edge (To = "nodeID")
//   - Conditional: Select a successor through the node's Branch map (Label = "label")
//   - Static: Zero value, take the node's single unconditional edge
type Next struct {
	// To names the node to execute next, overriding the node's edges.
	To string

	// Label is a router decision resolved through the conditional edges
	// registered with Engine.Branch. Ignored for nodes with a static edge.
	Label string

	// Terminal indicates workflow execution should stop.
	Terminal bool
}

// Stop returns a Next that terminates workflow execution.
func Stop() Next {
	return Next{Terminal: true}
}

// Goto returns a Next that routes to the specified node.
func Goto(nodeID string) Next {
	return Next{To: nodeID}
}

// Choose returns a Next carrying a router label.
func Choose(label string) Next {
	return Next{Label: label}
}

// NodeFunc is a function adapter that implements the Node interface.
// It allows using plain functions as nodes without creating custom types.
//
// Example:
//
//	echo := NodeFunc[MyState](func(ctx context.Context, s MyState) NodeResult[MyState] {
//	    return NodeResult[MyState]{Delta: MyState{Result: s.Input}}
//	})
type NodeFunc[S any] func(ctx context.Context, state S) NodeResult[S]

// Run implements the Node interface for NodeFunc.
func (f NodeFunc[S]) Run(ctx context.Context, state S) NodeResult[S] {
	return f(ctx, state)
}

// Fail is shorthand for a NodeResult carrying only an error.
func Fail[S any](err error) NodeResult[S] {
	return NodeResult[S]{Err: err}
}
