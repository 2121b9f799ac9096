package graph

import (
	"math/rand"
	"time"
)

// NodePolicy configures the execution behavior for a specific node.
//
// Policies are attached to nodes when they are added to the engine. If not
// specified, the engine's default policy is used.
type NodePolicy struct {
	// Retry specifies how often a failing node is re-invoked before the
	// engine escalates to its fallback node.
	Retry RetryPolicy

	// Timeout bounds each attempt. An attempt that overruns it fails with a
	// NODE_TIMEOUT NodeError. Zero means no per-attempt bound.
	Timeout time.Duration
}

// RetryPolicy defines retry configuration for failing nodes.
//
// Retries are local and synchronous: the executor re-invokes the same node
// with the same state (plus the recorded failure) without going back through
// the graph's edges. Exponential backoff with jitter is applied between
// attempts when BaseDelay is non-zero.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of consecutive failed executions
	// (including the initial attempt). Must be >= 1. A value of 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff between retries.
	// Zero retries immediately.
	BaseDelay time.Duration

	// MaxDelay is the maximum delay cap for exponential backoff.
	// Zero means no cap.
	MaxDelay time.Duration
}

// Attempts returns how many failures this policy tolerates, treating an
// unset policy as a single attempt.
func (rp RetryPolicy) Attempts() int {
	if rp.MaxAttempts < 1 {
		return 1
	}
	return rp.MaxAttempts
}

// Validate checks if the RetryPolicy configuration is valid.
// Returns an error if any constraints are violated:
//   - MaxAttempts must be >= 1 (1 means no retries, just initial attempt)
//   - If both MaxDelay and BaseDelay are > 0, then MaxDelay must be >= BaseDelay
func (rp RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.BaseDelay < 0 || rp.MaxDelay < 0 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// computeBackoff calculates the delay before retrying a failed node execution
// using exponential backoff with jitter:
//
//	delay = min(base * 2^attempt, maxDelay) + jitter(0, base)
//
// attempt is zero-based (0 = first retry). A zero base disables backoff.
//
// Example delays with base=1s, maxDelay=30s:
//   - attempt 0: 1-2s
//   - attempt 1: 2-3s
//   - attempt 2: 4-5s
//   - attempt 10: 30-31s (capped)
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}

	exponentialDelay := base * (1 << attempt)
	if maxDelay > 0 && exponentialDelay > maxDelay {
		exponentialDelay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}

	return exponentialDelay + jitter
}
