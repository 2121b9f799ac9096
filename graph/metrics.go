package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics provides Prometheus-compatible metrics for workflow
// execution monitoring.
//
// Metrics exposed (all namespaced with "archon_"):
//
//  1. step_latency_ms (histogram): Node execution duration in milliseconds.
//     Labels: node_id, status (success/error).
//  2. retries_total (counter): Local retry attempts. Labels: node_id.
//  3. reroutes_total (counter): Escalations to the fallback node.
//     Labels: node_id, target.
//  4. suspensions_total (counter): Runs paused waiting for user input.
//  5. runs_total (counter): Finished traversals. Labels: status
//     (completed/suspended/error).
//  6. active_sessions (gauge): Sessions currently held in memory.
//
// Run IDs are deliberately not used as labels; they are unbounded.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	engine, err := graph.New(reduce, st, emitter, graph.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	stepLatency *prometheus.HistogramVec
	retries     *prometheus.CounterVec
	reroutes    *prometheus.CounterVec
	suspensions prometheus.Counter
	runs        *prometheus.CounterVec
	sessions    prometheus.Gauge

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers all workflow metrics with the
// provided registry. A nil registry uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{enabled: true}

	pm.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "archon",
		Name:      "step_latency_ms",
		Help:      "Node execution duration in milliseconds, per attempt",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
	}, []string{"node_id", "status"})

	pm.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "archon",
		Name:      "retries_total",
		Help:      "Local retry attempts performed by the retrying executor",
	}, []string{"node_id"})

	pm.reroutes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "archon",
		Name:      "reroutes_total",
		Help:      "Nodes escalated to the fallback node after exhausting retries",
	}, []string{"node_id", "target"})

	pm.suspensions = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "archon",
		Name:      "suspensions_total",
		Help:      "Runs suspended waiting for user input",
	})

	pm.runs = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "archon",
		Name:      "runs_total",
		Help:      "Traversals that returned to the caller, by outcome",
	}, []string{"status"})

	pm.sessions = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "archon",
		Name:      "active_sessions",
		Help:      "Conversation sessions currently held in memory",
	})

	return pm
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordStepLatency records the execution duration of one node attempt.
func (pm *PrometheusMetrics) RecordStepLatency(nodeID string, latency time.Duration, status string) {
	if !pm.on() {
		return
	}
	pm.stepLatency.WithLabelValues(nodeID, status).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries counts a local retry of nodeID.
func (pm *PrometheusMetrics) IncrementRetries(nodeID string) {
	if !pm.on() {
		return
	}
	pm.retries.WithLabelValues(nodeID).Inc()
}

// IncrementReroutes counts an escalation from nodeID to target.
func (pm *PrometheusMetrics) IncrementReroutes(nodeID, target string) {
	if !pm.on() {
		return
	}
	pm.reroutes.WithLabelValues(nodeID, target).Inc()
}

// IncrementSuspensions counts a run pausing at an interrupt node.
func (pm *PrometheusMetrics) IncrementSuspensions() {
	if !pm.on() {
		return
	}
	pm.suspensions.Inc()
}

// RecordRun counts a traversal returning with the given status.
func (pm *PrometheusMetrics) RecordRun(status string) {
	if !pm.on() {
		return
	}
	pm.runs.WithLabelValues(status).Inc()
}

// SetActiveSessions sets the active_sessions gauge.
func (pm *PrometheusMetrics) SetActiveSessions(n int) {
	if !pm.on() {
		return
	}
	pm.sessions.Set(float64(n))
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable().
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}
