package graph

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/dshills/archon-go/graph/emit"
)

// OutcomeKind classifies how the engine should proceed after executing a node.
type OutcomeKind int

const (
	// OutcomeContinue means the node succeeded. The engine follows the
	// node's routing decision (Route) through its edges.
	OutcomeContinue OutcomeKind = iota

	// OutcomeReroute means the node ran out of attempts. The engine jumps
	// to Target regardless of the node's edges.
	OutcomeReroute
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeContinue:
		return "continue"
	case OutcomeReroute:
		return "reroute"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is the result of one RetryingExecutor.Execute call.
type Outcome[S any] struct {
	Kind OutcomeKind

	// Route is the successful node's routing decision. Zero for reroutes.
	Route Next

	// Target is the reroute destination. Empty for OutcomeContinue.
	Target string

	// State is the accumulated state after the call. It always carries the
	// failure bookkeeping recorded by the Ledger, even when Execute also
	// returns an error.
	State S

	// Attempts is how many times the node was invoked during this call.
	Attempts int
}

// RetryingExecutor runs a single node with bounded local retries.
//
// Each failure is recorded in the state through the Ledger before the node
// is re-invoked. When the node's failure count reaches its policy's
// MaxAttempts the executor gives up and returns OutcomeReroute toward the
// fallback node. Retries never go back through the graph's edges.
type RetryingExecutor[S any] struct {
	reducer  Reducer[S]
	ledger   Ledger[S]
	fallback string
	emitter  emit.Emitter
	metrics  *PrometheusMetrics
	rng      *rand.Rand
}

// NewRetryingExecutor creates an executor. ledger may be nil, in which case
// failure counts are kept only for the duration of a call. fallback may be
// empty, in which case exhausted retries surface as ErrMaxAttemptsExceeded.
func NewRetryingExecutor[S any](reducer Reducer[S], ledger Ledger[S], fallback string, emitter emit.Emitter, metrics *PrometheusMetrics) *RetryingExecutor[S] {
	if ledger == nil {
		ledger = localLedger[S]{}
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &RetryingExecutor[S]{
		reducer:  reducer,
		ledger:   ledger,
		fallback: fallback,
		emitter:  emitter,
		metrics:  metrics,
	}
}

// Execute invokes node until it succeeds or exhausts policy.Retry.
//
// On success the node's Delta is merged into state, the node's failure
// counter is cleared and OutcomeContinue is returned. On each failure the
// error is recorded via the Ledger and the counter is incremented; once it
// reaches MaxAttempts the executor returns OutcomeReroute to the fallback.
// If nodeID is itself the fallback, or no fallback is configured, a
// NodeError wrapping ErrMaxAttemptsExceeded is returned instead.
//
// Context cancellation stops the loop immediately and is returned as-is.
// An attempt that overruns policy.Timeout counts as a failed attempt.
func (x *RetryingExecutor[S]) Execute(ctx context.Context, runID string, step int, nodeID string, node Node[S], policy NodePolicy, state S) (Outcome[S], error) {
	maxAttempts := policy.Retry.Attempts()
	attempt := x.ledger.Attempts(state, nodeID)
	invocations := 0

	for {
		if err := ctx.Err(); err != nil {
			return Outcome[S]{State: state, Attempts: invocations}, err
		}

		x.emit(runID, step, nodeID, emit.NodeStart, map[string]interface{}{"attempt": attempt + 1})

		attemptCtx, cancel := attemptContext(ctx, policy)
		start := time.Now()
		result := x.run(attemptCtx, node, state)
		latency := time.Since(start)
		result.Err = timeoutFailure(ctx, attemptCtx, nodeID, policy, result.Err)
		cancel()
		invocations++

		if result.Err == nil {
			state = x.reducer(state, result.Delta)
			state = x.ledger.Succeeded(state, nodeID)
			x.metrics.RecordStepLatency(nodeID, latency, "success")
			x.emit(runID, step, nodeID, emit.NodeEnd, map[string]interface{}{
				"duration_ms": latency.Milliseconds(),
				"attempts":    invocations,
			})
			return Outcome[S]{Kind: OutcomeContinue, Route: result.Route, State: state, Attempts: invocations}, nil
		}

		x.metrics.RecordStepLatency(nodeID, latency, "error")

		if errors.Is(result.Err, context.Canceled) || errors.Is(result.Err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return Outcome[S]{State: state, Attempts: invocations}, ctx.Err()
			}
		}

		attempt++
		state = x.ledger.Failed(state, nodeID, result.Err, attempt)
		x.emit(runID, step, nodeID, emit.NodeError, map[string]interface{}{
			"error":        result.Err.Error(),
			"attempt":      attempt,
			"max_attempts": maxAttempts,
		})

		if attempt >= maxAttempts {
			if x.fallback == "" || nodeID == x.fallback {
				return Outcome[S]{State: state, Attempts: invocations}, &NodeError{
					Message: fmt.Sprintf("failed after %d attempts: %v", attempt, result.Err),
					Code:    "MAX_ATTEMPTS_EXCEEDED",
					NodeID:  nodeID,
					Cause:   fmt.Errorf("%w: %w", ErrMaxAttemptsExceeded, result.Err),
				}
			}
			x.metrics.IncrementReroutes(nodeID, x.fallback)
			x.emit(runID, step, nodeID, emit.NodeReroute, map[string]interface{}{
				"target":   x.fallback,
				"attempts": attempt,
			})
			return Outcome[S]{Kind: OutcomeReroute, Target: x.fallback, State: state, Attempts: invocations}, nil
		}

		x.metrics.IncrementRetries(nodeID)
		delay := computeBackoff(attempt-1, policy.Retry.BaseDelay, policy.Retry.MaxDelay, x.rng)
		x.emit(runID, step, nodeID, emit.NodeRetry, map[string]interface{}{
			"attempt":  attempt + 1,
			"delay_ms": delay.Milliseconds(),
		})
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Outcome[S]{State: state, Attempts: invocations}, ctx.Err()
			case <-timer.C:
			}
		}
	}
}

// run invokes the node, converting a panic into an ordinary failure so it
// goes through the same retry accounting.
func (x *RetryingExecutor[S]) run(ctx context.Context, node Node[S], state S) (result NodeResult[S]) {
	defer func() {
		if r := recover(); r != nil {
			result = NodeResult[S]{Err: fmt.Errorf("node panicked: %v", r)}
		}
	}()
	return node.Run(ctx, state)
}

func (x *RetryingExecutor[S]) emit(runID string, step int, nodeID, msg string, meta map[string]interface{}) {
	x.emitter.Emit(emit.Event{
		RunID:  runID,
		Step:   step,
		NodeID: nodeID,
		Msg:    msg,
		Meta:   meta,
	})
}
