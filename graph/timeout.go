package graph

import (
	"context"
	"errors"
	"fmt"
)

// attemptContext bounds a single node attempt by policy.Timeout. A zero
// timeout returns ctx unchanged.
func attemptContext(ctx context.Context, policy NodePolicy) (context.Context, context.CancelFunc) {
	if policy.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, policy.Timeout)
}

// timeoutFailure converts err into a NODE_TIMEOUT NodeError when the attempt
// context expired while the parent context is still live. The result is an
// ordinary failure, retried and escalated like any other.
func timeoutFailure(parent, attempt context.Context, nodeID string, policy NodePolicy, err error) error {
	if err == nil || parent.Err() != nil || !errors.Is(attempt.Err(), context.DeadlineExceeded) {
		return err
	}
	return &NodeError{
		Message: fmt.Sprintf("attempt exceeded timeout of %v", policy.Timeout),
		Code:    "NODE_TIMEOUT",
		NodeID:  nodeID,
		Cause:   err,
	}
}
