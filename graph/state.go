package graph

// Reducer merges a node's partial update into the accumulated state.
//
// Reducers must be deterministic and must not modify prev in place: the
// engine persists every intermediate state, and a reducer that aliases
// slices or maps of prev would rewrite history in the store.
//
// Example:
//
//	func reduce(prev, delta MyState) MyState {
//	    if delta.Query != "" {
//	        prev.Query = delta.Query
//	    }
//	    prev.Log = append(slices.Clip(prev.Log), delta.Log...)
//	    return prev
//	}
type Reducer[S any] func(prev, delta S) S

// Ledger keeps per-node failure bookkeeping inside the workflow state so
// that retry counters and error logs survive suspension and resumption.
//
// The RetryingExecutor is the only caller. Every method returns the updated
// state instead of modifying its argument.
type Ledger[S any] interface {
	// Attempts returns how many consecutive failures nodeID has recorded.
	Attempts(state S, nodeID string) int

	// Failed records err as failure number attempt for nodeID.
	Failed(state S, nodeID string, err error, attempt int) S

	// Succeeded clears the failure counter for nodeID.
	Succeeded(state S, nodeID string) S
}

// localLedger is used when the engine is built without a Ledger. Counters
// then live only for the duration of one Execute call.
type localLedger[S any] struct{}

func (localLedger[S]) Attempts(S, string) int { return 0 }

func (localLedger[S]) Failed(s S, _ string, _ error, _ int) S { return s }

func (localLedger[S]) Succeeded(s S, _ string) S { return s }
