package store

import (
	"context"
	"encoding/json"
	"sync"
)

// MemStore is an in-memory implementation of Store[S].
//
// It stores workflow state and checkpoints in memory using maps.
// Designed for:
//   - Testing and development
//   - Single-process deployments (the server default)
//   - Short-lived conversations where persistence isn't required
//
// MemStore is thread-safe and supports concurrent access.
//
// Limitations:
//   - Data is lost when process terminates
//   - Not suitable for distributed systems
//   - Memory usage grows with workflow history until DeleteRun is called
//
// Type parameter S is the state type to persist.
type MemStore[S any] struct {
	mu          sync.RWMutex
	steps       map[string][]StepRecord[S] // runID -> list of steps
	checkpoints map[string]Checkpoint[S]   // runID -> pending checkpoint
}

// NewMemStore creates a new in-memory store.
//
// Example:
//
//	st := store.NewMemStore[MyState]()
//	engine, _ := graph.New(reducer, st, emitter)
func NewMemStore[S any]() *MemStore[S] {
	return &MemStore[S]{
		steps:       make(map[string][]StepRecord[S]),
		checkpoints: make(map[string]Checkpoint[S]),
	}
}

// SaveStep persists a workflow execution step.
//
// Steps are appended to the run's history in the order they are saved.
// Thread-safe for concurrent writes.
func (m *MemStore[S]) SaveStep(_ context.Context, runID string, step int, nodeID string, state S) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.steps[runID] = append(m.steps[runID], StepRecord[S]{
		Step:   step,
		NodeID: nodeID,
		State:  state,
	})
	return nil
}

// LoadLatest retrieves the most recent step for a run.
//
// Returns the step with the highest step number. A node that is retried in
// place saves the same step number once, so ties resolve to the last write.
func (m *MemStore[S]) LoadLatest(_ context.Context, runID string) (state S, step int, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records, exists := m.steps[runID]
	if !exists || len(records) == 0 {
		var zero S
		return zero, 0, ErrNotFound
	}

	latest := records[0]
	for _, record := range records[1:] {
		if record.Step >= latest.Step {
			latest = record
		}
	}

	return latest.State, latest.Step, nil
}

// History returns a copy of every step recorded for runID, in save order.
func (m *MemStore[S]) History(runID string) []StepRecord[S] {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.steps[runID]
	out := make([]StepRecord[S], len(records))
	copy(out, records)
	return out
}

// SaveCheckpoint stores the run's pending checkpoint, replacing any
// previous one.
func (m *MemStore[S]) SaveCheckpoint(_ context.Context, cp Checkpoint[S]) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkpoints[cp.RunID] = cp
	return nil
}

// LoadCheckpoint retrieves the pending checkpoint for runID.
//
// Returns ErrNotFound if the run is not suspended.
func (m *MemStore[S]) LoadCheckpoint(_ context.Context, runID string) (Checkpoint[S], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, exists := m.checkpoints[runID]
	if !exists {
		return Checkpoint[S]{}, ErrNotFound
	}
	return cp, nil
}

// DeleteCheckpoint removes the pending checkpoint for runID.
func (m *MemStore[S]) DeleteCheckpoint(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.checkpoints, runID)
	return nil
}

// DeleteRun removes the step history and checkpoint for runID.
func (m *MemStore[S]) DeleteRun(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.steps, runID)
	delete(m.checkpoints, runID)
	return nil
}

// serializableMemStore is the JSON-serializable representation of MemStore.
//
// The generic type S must be JSON-serializable (implement json.Marshaler or have exported fields).
type serializableMemStore[S any] struct {
	Steps       map[string][]StepRecord[S] `json:"steps"`
	Checkpoints map[string]Checkpoint[S]   `json:"checkpoints"`
}

// MarshalJSON serializes the MemStore to JSON.
//
// The resulting JSON can be saved to disk and loaded back with
// UnmarshalJSON, which lets a single-process deployment survive restarts.
//
// Thread-safe: acquires read lock during serialization.
func (m *MemStore[S]) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return json.Marshal(serializableMemStore[S]{
		Steps:       m.steps,
		Checkpoints: m.checkpoints,
	})
}

// UnmarshalJSON deserializes JSON data into the MemStore.
//
// Replaces the current contents of the MemStore with the deserialized data.
//
// Thread-safe: acquires write lock during deserialization.
func (m *MemStore[S]) UnmarshalJSON(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s serializableMemStore[S]
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	m.steps = s.Steps
	m.checkpoints = s.Checkpoints

	// Initialize empty maps if nil (for empty JSON objects)
	if m.steps == nil {
		m.steps = make(map[string][]StepRecord[S])
	}
	if m.checkpoints == nil {
		m.checkpoints = make(map[string]Checkpoint[S])
	}
	return nil
}
