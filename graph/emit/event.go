package emit

// Event names emitted by the engine and its executor.
const (
	NodeStart    = "node_start"
	NodeEnd      = "node_end"
	NodeError    = "node_error"
	NodeRetry    = "node_retry"
	NodeReroute  = "node_reroute"
	RoutingError = "routing_error"
	RunSuspended = "run_suspended"
	RunResumed   = "run_resumed"
	RunCompleted = "run_completed"
)

// Event represents an observability event emitted during workflow execution.
//
// Events provide insight into workflow behavior:
//   - Node execution start/complete
//   - Failures, local retries and escalation to the fallback node
//   - Suspension waiting for user input and resumption
//   - Run completion
type Event struct {
	// RunID identifies the workflow execution that emitted this event.
	RunID string `json:"run_id"`

	// Step is the sequential step number in the workflow (1-indexed).
	// Zero for run-level events emitted before the first node.
	Step int `json:"step"`

	// NodeID identifies which node emitted this event.
	// Empty string for run-level events.
	NodeID string `json:"node_id,omitempty"`

	// Msg is the event name, one of the constants above.
	Msg string `json:"msg"`

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": Execution duration in milliseconds
	//   - "error": Error details
	//   - "attempt": Attempt number, starting at 1
	//   - "target": Reroute destination
	Meta map[string]interface{} `json:"meta,omitempty"`
}

// IsError reports whether the event describes a failure.
func (e Event) IsError() bool {
	if _, ok := e.Meta["error"]; ok {
		return true
	}
	return e.Msg == NodeError || e.Msg == RoutingError
}
