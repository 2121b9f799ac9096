package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/archon-go/graph"
)

// ErrSessionNotSuspended is returned by ResumeFlow when the session has no
// run waiting for user input.
var ErrSessionNotSuspended = errors.New("session is not suspended")

// ErrEmptyMessage is returned when a flow is started or resumed without a
// user message.
var ErrEmptyMessage = errors.New("user message is required")

// ErrSessionEvicted is returned by an orchestrator the session map has
// dropped for idleness. Sessions.StartFlow and Sessions.ResumeFlow retry on
// the current orchestrator instead.
var ErrSessionEvicted = errors.New("session was evicted")

// Run statuses reported in RunResult.
const (
	StatusSuspended = "suspended"
	StatusCompleted = "completed"
)

// RunResult is what StartFlow and ResumeFlow return.
type RunResult struct {
	// Status is StatusSuspended when the run is waiting for the next user
	// message and StatusCompleted when it reached the end of the graph.
	Status string `json:"result"`

	// State is a snapshot of the conversation state.
	State State `json:"state"`

	// Node is where traversal stopped.
	Node string `json:"node"`
}

// Orchestrator drives one conversation through the workflow graph.
//
// Calls are serialised: one step runs at a time per conversation. Separate
// orchestrators share the engine but never each other's state.
type Orchestrator struct {
	sessionID string
	engine    *graph.Engine[State]
	logger    *zap.Logger

	mu        sync.Mutex
	runID     string
	suspended bool
	evicted   bool
	state     State

	lastUsed atomic.Int64
}

// NewOrchestrator creates the orchestrator for sessionID on top of a graph
// built by NewWorkflow.
func NewOrchestrator(sessionID string, engine *graph.Engine[State], log *zap.Logger) *Orchestrator {
	o := &Orchestrator{
		sessionID: sessionID,
		engine:    engine,
		logger:    logger(log).With(zap.String("session_id", sessionID)),
		state:     NewState(""),
	}
	o.touch()
	return o
}

// SessionID returns the conversation's session identifier.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// StartFlow opens a new conversation with msg. The previous run, including
// a pending suspension, is discarded.
func (o *Orchestrator) StartFlow(ctx context.Context, msg string) (RunResult, error) {
	if strings.TrimSpace(msg) == "" {
		return RunResult{}, ErrEmptyMessage
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.touch()

	if o.evicted {
		return RunResult{}, ErrSessionEvicted
	}
	if prev := o.runID; prev != "" {
		if err := o.closeLocked(ctx); err != nil {
			o.logger.Warn("Failed to discard previous run", zap.String("run_id", prev), zap.Error(err))
		}
	}

	o.runID = o.sessionID + ":" + uuid.NewString()
	o.logger.Info("Starting flow", zap.String("run_id", o.runID))

	res, err := o.engine.Run(ctx, o.runID, NewState(msg))
	return o.record(res, err)
}

// ResumeFlow continues a suspended conversation with the next user message.
//
// Returns ErrSessionNotSuspended if there is no run waiting for input.
func (o *Orchestrator) ResumeFlow(ctx context.Context, msg string) (RunResult, error) {
	if strings.TrimSpace(msg) == "" {
		return RunResult{}, ErrEmptyMessage
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.touch()

	if o.evicted {
		return RunResult{}, ErrSessionEvicted
	}
	if !o.suspended {
		return RunResult{}, ErrSessionNotSuspended
	}

	o.logger.Info("Resuming flow", zap.String("run_id", o.runID))
	res, err := o.engine.Resume(ctx, o.runID, State{LatestUserMessage: msg})
	if errors.Is(err, graph.ErrNotSuspended) {
		o.suspended = false
		return RunResult{}, ErrSessionNotSuspended
	}
	if err != nil && res.Node == "" {
		// The checkpoint could not be read; the run is still suspended.
		return RunResult{}, err
	}
	return o.record(res, err)
}

func (o *Orchestrator) record(res graph.Result[State], err error) (RunResult, error) {
	o.state = res.State
	o.suspended = res.Suspended
	if err != nil {
		o.logger.Error("Flow failed",
			zap.String("run_id", o.runID),
			zap.String("node", res.Node),
			zap.Error(err))
		return RunResult{}, err
	}

	out := RunResult{State: res.State.Clone(), Node: res.Node, Status: StatusCompleted}
	if res.Suspended {
		out.Status = StatusSuspended
	}
	o.logger.Info("Flow stopped",
		zap.String("run_id", o.runID),
		zap.String("result", out.Status),
		zap.String("node", res.Node),
		zap.Int("step", res.Step))
	return out, nil
}

// State returns a copy of the latest conversation state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Clone()
}

// Suspended reports whether the conversation is waiting for input.
func (o *Orchestrator) Suspended() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.suspended
}

// Close discards everything persisted for the current run.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closeLocked(ctx)
}

func (o *Orchestrator) closeLocked(ctx context.Context) error {
	o.suspended = false
	if o.runID == "" {
		return nil
	}
	err := o.engine.Discard(ctx, o.runID)
	o.runID = ""
	return err
}

func (o *Orchestrator) touch() {
	o.lastUsed.Store(time.Now().UnixNano())
}

func (o *Orchestrator) idleSince() time.Time {
	return time.Unix(0, o.lastUsed.Load())
}
