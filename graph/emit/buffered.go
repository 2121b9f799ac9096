package emit

import (
	"sort"
	"sync"
)

// BufferedEmitter implements Emitter by storing events in memory.
//
// Events are kept per run ID and can be queried afterwards. Tests use it to
// assert on retry and reroute sequences; the chat command uses it to print
// a run's trace on request.
//
// Warning: every event is retained until Clear is called.
//
// Example usage:
//
//	emitter := emit.NewBufferedEmitter()
//	engine, _ := graph.New(reducer, store, emitter)
//	engine.Run(ctx, "run-001", initialState)
//
//	retries := emitter.GetHistoryWithFilter("run-001", emit.HistoryFilter{Msg: emit.NodeRetry})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // runID -> events
}

// HistoryFilter specifies criteria for filtering execution history.
//
// All filter fields are optional. When multiple fields are set, they are
// combined with AND logic (all conditions must match).
type HistoryFilter struct {
	NodeID  string // Filter by node ID (empty = no filter)
	Msg     string // Filter by event name (empty = no filter)
	MinStep *int   // Minimum step number (nil = no filter)
	MaxStep *int   // Maximum step number (nil = no filter)
}

func (f HistoryFilter) matches(event Event) bool {
	if f.NodeID != "" && event.NodeID != f.NodeID {
		return false
	}
	if f.Msg != "" && event.Msg != f.Msg {
		return false
	}
	if f.MinStep != nil && event.Step < *f.MinStep {
		return false
	}
	if f.MaxStep != nil && event.Step > *f.MaxStep {
		return false
	}
	return true
}

// NewBufferedEmitter creates a new BufferedEmitter. Safe for concurrent use.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event in the buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// GetHistory retrieves a copy of all events for runID in emission order.
// Returns an empty slice if no events exist for the given runID.
func (b *BufferedEmitter) GetHistory(runID string) []Event {
	return b.GetHistoryWithFilter(runID, HistoryFilter{})
}

// GetHistoryWithFilter retrieves the events for runID that match filter.
func (b *BufferedEmitter) GetHistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[runID] {
		if filter.matches(event) {
			result = append(result, event)
		}
	}
	return result
}

// Messages returns the event names recorded for runID, in order.
func (b *BufferedEmitter) Messages(runID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	msgs := make([]string, 0, len(b.events[runID]))
	for _, event := range b.events[runID] {
		msgs = append(msgs, event.Msg)
	}
	return msgs
}

// Runs returns the run IDs with recorded events, sorted.
func (b *BufferedEmitter) Runs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.events))
	for id := range b.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clear removes stored events for runID, or every event when runID is empty.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if runID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, runID)
}
