package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dshills/archon-go/graph/emit"
	"github.com/dshills/archon-go/graph/store"
)

// Engine orchestrates stateful workflow execution with suspension support.
//
// The Engine is the core runtime that:
//   - Manages workflow graph topology (nodes, static edges and branches)
//   - Executes nodes one at a time through a RetryingExecutor
//   - Merges state updates via the reducer
//   - Persists state at each step via the store
//   - Suspends at interrupt nodes and resumes from the stored checkpoint
//   - Emits observability events via the emitter
//
// The graph is built once with Add, Connect, Branch and Interrupt and must
// not change while runs are in flight.
//
// Type parameter S is the state type shared across the workflow.
//
// Example:
//
//	engine, _ := graph.New(reduce, store.NewMemStore[MyState](), emit.NewNullEmitter())
//	_ = engine.Add("greet", greetNode, graph.NodePolicy{})
//	_ = engine.Interrupt("wait")
//	_ = engine.Connect(graph.START, "greet")
//	_ = engine.Connect("greet", "wait")
//	_ = engine.Connect("wait", graph.END)
//
//	res, err := engine.Run(ctx, "run-001", MyState{})
//	if res.Suspended {
//	    res, err = engine.Resume(ctx, "run-001", MyState{Input: "more"})
//	}
type Engine[S any] struct {
	mu sync.RWMutex

	// reducer merges partial state updates deterministically
	reducer Reducer[S]

	// nodes maps node IDs to their implementation and policy
	nodes map[string]nodeEntry[S]

	// edges maps a node ID to its single unconditional successor
	edges map[string]string

	// branches maps a router node ID to its label table
	branches map[string]map[string]string

	store    store.Store[S]
	emitter  emit.Emitter
	cfg      engineConfig
	executor *RetryingExecutor[S]
}

type nodeEntry[S any] struct {
	node      Node[S]
	policy    NodePolicy
	interrupt bool
}

// Result is what Run and Resume return when traversal stops.
type Result[S any] struct {
	// State is the accumulated state at the point traversal stopped.
	State S

	// Suspended is true when the run stopped at an interrupt node and can
	// be continued with Resume.
	Suspended bool

	// Node is the node traversal stopped at: the interrupt node when
	// suspended, END when completed, or the failing node on error.
	Node string

	// Step is the number of node executions so far in this run.
	Step int
}

// New creates a new Engine.
//
// Parameters:
//   - reducer: Function to merge partial state updates (required)
//   - st: Persistence backend for steps and checkpoints (required)
//   - emitter: Observability event receiver (nil discards events)
//   - opts: Functional options (WithMaxSteps, WithFallback, ...)
//
// Returns an error if an option is invalid or WithLedger was given a ledger
// for a different state type.
func New[S any](reducer Reducer[S], st store.Store[S], emitter emit.Emitter, opts ...Option) (*Engine[S], error) {
	if reducer == nil {
		return nil, &EngineError{Message: "reducer is required", Code: "MISSING_REDUCER"}
	}
	if st == nil {
		return nil, &EngineError{Message: "store is required", Code: "MISSING_STORE"}
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, &EngineError{Message: err.Error(), Code: "INVALID_OPTION", Cause: err}
		}
	}

	var ledger Ledger[S]
	if cfg.ledger != nil {
		l, ok := cfg.ledger.(Ledger[S])
		if !ok {
			return nil, &EngineError{
				Message: fmt.Sprintf("ledger %T does not match the engine's state type", cfg.ledger),
				Code:    "INVALID_OPTION",
			}
		}
		ledger = l
	}

	executor := NewRetryingExecutor(reducer, ledger, cfg.fallback, emitter, cfg.metrics)
	executor.rng = cfg.rng

	return &Engine[S]{
		reducer:  reducer,
		nodes:    make(map[string]nodeEntry[S]),
		edges:    make(map[string]string),
		branches: make(map[string]map[string]string),
		store:    st,
		emitter:  emitter,
		cfg:      cfg,
		executor: executor,
	}, nil
}

// Add registers a node in the workflow graph.
//
// Zero policy fields are filled from the engine's default policy.
//
// Returns error if:
//   - nodeID is empty or one of the reserved START/END IDs
//   - node is nil
//   - the policy is invalid
//   - a node with this ID already exists
func (e *Engine[S]) Add(nodeID string, node Node[S], policy NodePolicy) error {
	if node == nil {
		return &EngineError{Message: "node cannot be nil", Code: "INVALID_NODE"}
	}
	if policy.Retry == (RetryPolicy{}) {
		policy.Retry = e.cfg.defaultPolicy.Retry
	}
	if policy.Timeout == 0 {
		policy.Timeout = e.cfg.defaultPolicy.Timeout
	}
	if err := policy.Retry.Validate(); err != nil {
		return &EngineError{Message: "node " + nodeID + ": " + err.Error(), Code: "INVALID_POLICY", Cause: err}
	}
	if policy.Timeout < 0 {
		return &EngineError{Message: "node " + nodeID + ": timeout must not be negative", Code: "INVALID_POLICY"}
	}
	return e.register(nodeID, nodeEntry[S]{node: node, policy: policy})
}

// Interrupt registers a suspend node. Reaching it stops traversal, writes a
// checkpoint and returns a suspended Result. The node performs no work; the
// delta passed to Resume plays its part. An interrupt node must have a
// static successor set with Connect.
func (e *Engine[S]) Interrupt(nodeID string) error {
	return e.register(nodeID, nodeEntry[S]{interrupt: true})
}

func (e *Engine[S]) register(nodeID string, entry nodeEntry[S]) error {
	if nodeID == "" {
		return &EngineError{Message: "node ID cannot be empty", Code: "INVALID_NODE"}
	}
	if nodeID == START || nodeID == END {
		return &EngineError{Message: "node ID is reserved: " + nodeID, Code: "INVALID_NODE"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[nodeID]; exists {
		return &EngineError{Message: "duplicate node ID: " + nodeID, Code: "DUPLICATE_NODE"}
	}
	e.nodes[nodeID] = entry
	return nil
}

// Connect adds the unconditional edge from -> to. Connecting START names
// the entry node. A node has at most one successor mechanism, so Connect
// fails if from already has an edge or a branch.
func (e *Engine[S]) Connect(from, to string) error {
	if from == "" || to == "" {
		return &EngineError{Message: "edge endpoints cannot be empty", Code: "INVALID_EDGE"}
	}
	if from == END {
		return &EngineError{Message: "END cannot have outgoing edges", Code: "INVALID_EDGE"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkFreeLocked(from); err != nil {
		return err
	}
	e.edges[from] = to
	return nil
}

// Branch registers the conditional edges of a router node. The router's
// Choose(label) result is looked up in routes.
func (e *Engine[S]) Branch(from string, routes map[string]string) error {
	if from == "" || from == START || from == END {
		return &EngineError{Message: "invalid branch source: " + from, Code: "INVALID_EDGE"}
	}
	if len(routes) == 0 {
		return &EngineError{Message: "branch " + from + " has no routes", Code: "INVALID_EDGE"}
	}

	table := make(map[string]string, len(routes))
	for label, to := range routes {
		if to == "" {
			return &EngineError{Message: "branch " + from + ": empty target for label " + label, Code: "INVALID_EDGE"}
		}
		table[label] = to
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkFreeLocked(from); err != nil {
		return err
	}
	e.branches[from] = table
	return nil
}

func (e *Engine[S]) checkFreeLocked(from string) error {
	if _, ok := e.edges[from]; ok {
		return &EngineError{Message: "node " + from + " already has an edge", Code: "DUPLICATE_EDGE"}
	}
	if _, ok := e.branches[from]; ok {
		return &EngineError{Message: "node " + from + " already has a branch", Code: "DUPLICATE_EDGE"}
	}
	return nil
}

// Validate checks the graph topology:
//   - START has a successor
//   - every node has exactly one successor mechanism (edge or branch)
//   - interrupt nodes use a static edge
//   - every edge and branch target names a known node or END
//   - the fallback node, if configured, exists
//
// All problems are reported together.
func (e *Engine[S]) Validate() error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, ok := e.edges[START]; !ok {
		return &EngineError{Message: "start node not set (call Connect(START, ...))", Code: "NO_START_NODE"}
	}

	var errs []error
	known := func(id string) bool {
		if id == END {
			return true
		}
		_, ok := e.nodes[id]
		return ok
	}

	for from, to := range e.edges {
		if from != START && !known(from) {
			errs = append(errs, fmt.Errorf("edge source %q is not a node", from))
		}
		if !known(to) {
			errs = append(errs, fmt.Errorf("edge %s -> %s: unknown target", from, to))
		}
	}
	for from, routes := range e.branches {
		if !known(from) {
			errs = append(errs, fmt.Errorf("branch source %q is not a node", from))
		}
		for label, to := range routes {
			if !known(to) {
				errs = append(errs, fmt.Errorf("branch %s[%s] -> %s: unknown target", from, label, to))
			}
		}
	}
	for id, entry := range e.nodes {
		_, hasEdge := e.edges[id]
		_, hasBranch := e.branches[id]
		switch {
		case !hasEdge && !hasBranch:
			errs = append(errs, fmt.Errorf("node %q has no successor", id))
		case entry.interrupt && !hasEdge:
			errs = append(errs, fmt.Errorf("interrupt node %q needs a static edge", id))
		}
	}
	if e.cfg.fallback != "" {
		if _, ok := e.nodes[e.cfg.fallback]; !ok {
			errs = append(errs, fmt.Errorf("fallback node %q is not registered", e.cfg.fallback))
		}
	}

	if len(errs) > 0 {
		sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
		joined := errors.Join(errs...)
		return &EngineError{Message: joined.Error(), Code: "INVALID_GRAPH", Cause: joined}
	}
	return nil
}

// Run executes the workflow from START with the given initial state.
//
// Traversal stops when:
//   - END is reached (Result.Suspended == false)
//   - an interrupt node is reached (Result.Suspended == true)
//   - a structural error occurs (RoutingError, NodeError, EngineError)
//   - ctx is cancelled
//
// Node failures are retried locally and escalated to the fallback node;
// they surface as errors only when no fallback can take over.
func (e *Engine[S]) Run(ctx context.Context, runID string, initial S) (Result[S], error) {
	if err := e.Validate(); err != nil {
		return Result[S]{State: initial}, err
	}

	e.mu.RLock()
	first := e.edges[START]
	e.mu.RUnlock()

	return e.traverse(ctx, runID, first, 0, initial)
}

// Resume continues a suspended run.
//
// It loads the run's checkpoint, merges delta into the stored state with
// the reducer, and continues at the successor of the interrupt node the
// run stopped at. The checkpoint is consumed.
//
// If traversal aborts before reaching END or another interrupt, for
// example because ctx expired, the checkpoint is written back with the
// state it held before Resume and the returned Result is still suspended,
// so the same resume can be retried.
//
// Returns ErrNotSuspended if runID has no pending checkpoint.
func (e *Engine[S]) Resume(ctx context.Context, runID string, delta S) (Result[S], error) {
	cp, err := e.store.LoadCheckpoint(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result[S]{}, ErrNotSuspended
		}
		return Result[S]{}, &EngineError{Message: "failed to load checkpoint: " + err.Error(), Code: "STORE_ERROR", Cause: err}
	}

	state := e.reducer(cp.State, delta)
	if err := e.store.DeleteCheckpoint(ctx, runID); err != nil {
		return Result[S]{State: cp.State, Suspended: true, Node: cp.NodeID, Step: cp.Step},
			&EngineError{Message: "failed to consume checkpoint: " + err.Error(), Code: "STORE_ERROR", Cause: err}
	}

	e.emit(runID, cp.Step, cp.NodeID, emit.RunResumed, nil)

	next, err := e.successor(cp.NodeID, Next{})
	if err != nil {
		return e.restore(ctx, cp, err)
	}
	res, err := e.traverse(ctx, runID, next, cp.Step, state)
	if err != nil && !res.Suspended {
		return e.restore(ctx, cp, err)
	}
	return res, err
}

// restore puts back the checkpoint consumed by an aborted Resume.
func (e *Engine[S]) restore(ctx context.Context, cp store.Checkpoint[S], cause error) (Result[S], error) {
	suspended := Result[S]{State: cp.State, Suspended: true, Node: cp.NodeID, Step: cp.Step}
	if err := e.store.SaveCheckpoint(context.WithoutCancel(ctx), cp); err != nil {
		return Result[S]{State: cp.State, Node: cp.NodeID, Step: cp.Step}, errors.Join(cause,
			&EngineError{Message: "failed to restore checkpoint: " + err.Error(), Code: "STORE_ERROR", Cause: err})
	}
	e.emit(cp.RunID, cp.Step, cp.NodeID, emit.RunSuspended, map[string]interface{}{"restored": true})
	return suspended, cause
}

// Discard forgets everything persisted for runID, including a pending
// suspension.
func (e *Engine[S]) Discard(ctx context.Context, runID string) error {
	if err := e.store.DeleteRun(ctx, runID); err != nil {
		return &EngineError{Message: "failed to discard run: " + err.Error(), Code: "STORE_ERROR", Cause: err}
	}
	return nil
}

func (e *Engine[S]) traverse(ctx context.Context, runID, current string, step int, state S) (Result[S], error) {
	for {
		if current == END {
			e.cfg.metrics.RecordRun("completed")
			e.emit(runID, step, "", emit.RunCompleted, nil)
			return Result[S]{State: state, Node: END, Step: step}, nil
		}

		e.mu.RLock()
		entry, exists := e.nodes[current]
		e.mu.RUnlock()
		if !exists {
			e.cfg.metrics.RecordRun("error")
			return Result[S]{State: state, Node: current, Step: step}, &EngineError{
				Message: "node not found during execution: " + current,
				Code:    "NODE_NOT_FOUND",
			}
		}

		// Work already done is kept: reaching an interrupt suspends even
		// when ctx has expired meanwhile.
		if entry.interrupt {
			return e.suspend(ctx, runID, current, step, state)
		}

		if err := ctx.Err(); err != nil {
			return Result[S]{State: state, Node: current, Step: step}, err
		}

		step++
		if e.cfg.maxSteps > 0 && step > e.cfg.maxSteps {
			e.cfg.metrics.RecordRun("error")
			return Result[S]{State: state, Node: current, Step: step - 1}, &EngineError{
				Message: fmt.Sprintf("workflow exceeded MaxSteps limit (%d)", e.cfg.maxSteps),
				Code:    "MAX_STEPS_EXCEEDED",
				Cause:   ErrMaxStepsExceeded,
			}
		}

		out, execErr := e.executor.Execute(ctx, runID, step, current, entry.node, entry.policy, state)
		state = out.State

		if err := e.store.SaveStep(context.WithoutCancel(ctx), runID, step, current, state); err != nil {
			e.cfg.metrics.RecordRun("error")
			return Result[S]{State: state, Node: current, Step: step}, &EngineError{
				Message: "failed to save step: " + err.Error(),
				Code:    "STORE_ERROR",
				Cause:   err,
			}
		}

		if execErr != nil {
			e.cfg.metrics.RecordRun("error")
			return Result[S]{State: state, Node: current, Step: step}, execErr
		}

		if out.Kind == OutcomeReroute {
			current = out.Target
			continue
		}

		next, err := e.successor(current, out.Route)
		if err != nil {
			e.cfg.metrics.RecordRun("error")
			e.emit(runID, step, current, emit.RoutingError, map[string]interface{}{"error": err.Error()})
			return Result[S]{State: state, Node: current, Step: step}, err
		}
		current = next
	}
}

func (e *Engine[S]) suspend(ctx context.Context, runID, nodeID string, step int, state S) (Result[S], error) {
	cp := store.Checkpoint[S]{
		RunID:     runID,
		NodeID:    nodeID,
		Step:      step,
		State:     state,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.SaveCheckpoint(context.WithoutCancel(ctx), cp); err != nil {
		e.cfg.metrics.RecordRun("error")
		return Result[S]{State: state, Node: nodeID, Step: step}, &EngineError{
			Message: "failed to save checkpoint: " + err.Error(),
			Code:    "STORE_ERROR",
			Cause:   err,
		}
	}

	e.cfg.metrics.IncrementSuspensions()
	e.cfg.metrics.RecordRun("suspended")
	e.emit(runID, step, nodeID, emit.RunSuspended, nil)
	return Result[S]{State: state, Suspended: true, Node: nodeID, Step: step}, nil
}

// successor resolves the node that follows from given its routing decision.
//
// Precedence: Terminal, then a dynamic Goto target, then the branch table
// (RoutingError on an unknown label), then the static edge.
func (e *Engine[S]) successor(from string, route Next) (string, error) {
	if route.Terminal {
		return END, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if route.To != "" {
		if _, ok := e.nodes[route.To]; !ok && route.To != END {
			return "", &EngineError{Message: "node " + from + " routed to unknown node " + route.To, Code: "NODE_NOT_FOUND"}
		}
		return route.To, nil
	}

	if routes, ok := e.branches[from]; ok {
		to, ok := routes[route.Label]
		if !ok {
			known := make([]string, 0, len(routes))
			for label := range routes {
				known = append(known, label)
			}
			sort.Strings(known)
			return "", &RoutingError{NodeID: from, Label: route.Label, Known: known}
		}
		return to, nil
	}

	if to, ok := e.edges[from]; ok {
		return to, nil
	}

	return "", &EngineError{Message: "no valid route from node: " + from, Code: "NO_ROUTE"}
}

func (e *Engine[S]) emit(runID string, step int, nodeID, msg string, meta map[string]interface{}) {
	e.emitter.Emit(emit.Event{
		RunID:  runID,
		Step:   step,
		NodeID: nodeID,
		Msg:    msg,
		Meta:   meta,
	})
}
