// Package store persists workflow steps and suspension checkpoints.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested run ID or checkpoint does not exist.
var ErrNotFound = errors.New("not found")

// Store provides persistence for workflow state and checkpoints.
//
// It enables:
//   - Step-by-step state persistence during execution
//   - Latest state retrieval for inspection
//   - One suspension checkpoint per run, consumed by Engine.Resume
//
// Implementations:
//   - MemStore: in-process maps (default, not durable)
//   - SQLiteStore: single file database (modernc.org/sqlite)
//   - MySQLStore: shared relational database (go-sql-driver/mysql)
//   - RedisStore: key-value store (go-redis)
//
// Type parameter S is the state type to persist.
type Store[S any] interface {
	// SaveStep persists the state after a node execution step.
	// Each step is identified by runID + step number.
	SaveStep(ctx context.Context, runID string, step int, nodeID string, state S) error

	// LoadLatest retrieves the most recent state for a given run.
	//
	// Returns ErrNotFound if runID has no recorded steps.
	LoadLatest(ctx context.Context, runID string) (state S, step int, err error)

	// SaveCheckpoint records where a run suspended. A later checkpoint for
	// the same run replaces the earlier one.
	SaveCheckpoint(ctx context.Context, cp Checkpoint[S]) error

	// LoadCheckpoint retrieves the pending checkpoint for runID.
	//
	// Returns ErrNotFound if the run is not suspended.
	LoadCheckpoint(ctx context.Context, runID string) (Checkpoint[S], error)

	// DeleteCheckpoint removes the pending checkpoint for runID. Deleting a
	// missing checkpoint is not an error.
	DeleteCheckpoint(ctx context.Context, runID string) error

	// DeleteRun removes every step and the checkpoint recorded for runID.
	DeleteRun(ctx context.Context, runID string) error
}

// StepRecord represents a single execution step in the workflow history.
// Used internally by Store implementations to track step-by-step progression.
type StepRecord[S any] struct {
	// Step is the sequential step number (1-indexed).
	Step int

	// NodeID identifies which node produced this state.
	NodeID string

	// State is the workflow state after this step completed.
	State S
}

// Checkpoint is the snapshot written when a run suspends.
type Checkpoint[S any] struct {
	// RunID identifies the suspended run.
	RunID string `json:"run_id"`

	// NodeID is the interrupt node the run stopped at. Resumption continues
	// at its successor.
	NodeID string `json:"node_id"`

	// Step is the step counter at suspension.
	Step int `json:"step"`

	// State is the accumulated state at suspension.
	State S `json:"state"`

	// CreatedAt is when the run suspended.
	CreatedAt time.Time `json:"created_at"`
}
