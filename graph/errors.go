// Package graph provides the workflow execution engine for archon-go.
package graph

import (
	"errors"
	"fmt"
)

// ErrMaxStepsExceeded indicates that the graph execution reached the maximum
// allowed step count without completing. This prevents infinite loops and
// runaway executions.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

// ErrMaxAttemptsExceeded is returned when a node fails more times than allowed
// by its retry policy and no fallback node can take over.
var ErrMaxAttemptsExceeded = errors.New("max retry attempts exceeded")

// ErrNotSuspended is returned by Resume when the run has no pending
// suspension checkpoint.
var ErrNotSuspended = errors.New("run is not suspended")

// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// EngineError represents an error from Engine configuration or traversal.
type EngineError struct {
	Message string
	Code    string

	// Cause is the underlying error, if any.
	Cause error
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause error for error wrapping support.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NodeError represents an error that occurred during node execution.
// It provides structured error information for better observability and debugging.
type NodeError struct {
	// Message is the human-readable error description.
	Message string

	// Code is a machine-readable error code for programmatic handling.
	Code string

	// NodeID identifies which node produced this error.
	NodeID string

	// Cause is the underlying error that caused this NodeError.
	Cause error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause error for error wrapping support.
func (e *NodeError) Unwrap() error {
	return e.Cause
}

// RoutingError reports a router label that has no entry in the router's
// conditional edge map. It is always fatal.
type RoutingError struct {
	NodeID string
	Label  string
	Known  []string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing: node %q returned unknown label %q (known: %v)", e.NodeID, e.Label, e.Known)
}
