package graph

import (
	"fmt"
	"math/rand"
)

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	engine, err := graph.New(
//	    reducer, store, emitter,
//	    graph.WithMaxSteps(50),
//	    graph.WithFallback("diagnose_errors"),
//	    graph.WithLedger[MyState](myLedger{}),
//	)
type Option func(*engineConfig) error

// engineConfig is an internal struct used to collect options before applying them to an Engine.
type engineConfig struct {
	maxSteps      int
	fallback      string
	metrics       *PrometheusMetrics
	ledger        any
	defaultPolicy NodePolicy
	rng           *rand.Rand
}

func defaultConfig() engineConfig {
	return engineConfig{
		maxSteps:      100,
		defaultPolicy: NodePolicy{Retry: RetryPolicy{MaxAttempts: 1}},
	}
}

// WithMaxSteps limits workflow execution to prevent infinite loops.
//
// Default: 100. Zero disables the limit. Suspension does not consume a
// step, and the counter carries over across Resume calls.
//
// When MaxSteps is exceeded, Run returns an EngineError with code
// "MAX_STEPS_EXCEEDED" wrapping ErrMaxStepsExceeded.
func WithMaxSteps(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 0 {
			return fmt.Errorf("max steps must be >= 0, got %d", n)
		}
		cfg.maxSteps = n
		return nil
	}
}

// WithFallback names the node that receives control when any other node
// exhausts its retry budget. The fallback node must be added to the engine
// before Validate or Run.
func WithFallback(nodeID string) Option {
	return func(cfg *engineConfig) error {
		cfg.fallback = nodeID
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection for workflow execution.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	engine, _ := graph.New(reducer, store, emitter, graph.WithMetrics(metrics))
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = metrics
		return nil
	}
}

// WithLedger stores retry bookkeeping in the workflow state through l.
// Without a ledger, failure counters reset on every Execute call and
// nothing is recorded in the state.
func WithLedger[S any](l Ledger[S]) Option {
	return func(cfg *engineConfig) error {
		cfg.ledger = l
		return nil
	}
}

// WithDefaultPolicy sets the policy used by nodes added with a zero NodePolicy.
func WithDefaultPolicy(p NodePolicy) Option {
	return func(cfg *engineConfig) error {
		if err := p.Retry.Validate(); err != nil {
			return err
		}
		if p.Timeout < 0 {
			return fmt.Errorf("default policy timeout must not be negative: %v", p.Timeout)
		}
		cfg.defaultPolicy = p
		return nil
	}
}

// WithRandSource seeds retry jitter, making backoff delays reproducible in tests.
func WithRandSource(seed int64) Option {
	return func(cfg *engineConfig) error {
		cfg.rng = rand.New(rand.NewSource(seed)) // #nosec G404 -- jitter for retry timing, not security
		return nil
	}
}
