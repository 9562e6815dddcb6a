// Package metrics collects and exposes conductor runtime observability data.
//
// # Concurrency — hot path
//
// RecordStep records one FSM transition and must be cheap enough to call
// on every one; the interpreter's step loop does not call it itself. It uses atomic increments
// for global counters; the Prometheus bridge (prometheus.go) additionally
// records per-action histograms for scraping by external monitoring
// systems (Grafana, Alertmanager, etc.).
//
// # Invariants
//
//   - TotalSteps == SuccessSteps + FailedSteps (maintained by RecordStep).
//   - ForksStarted >= JoinsCompleted + JoinsTimedOut at any instant (a fork
//     may still be in flight).
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects and exposes conductor runtime metrics
type Metrics struct {
	// Step metrics
	TotalSteps  atomic.Int64
	SuccessSteps atomic.Int64
	FailedSteps  atomic.Int64

	// Latency metrics (in milliseconds)
	TotalStepLatencyMs atomic.Int64
	MinStepLatencyMs   atomic.Int64
	MaxStepLatencyMs   atomic.Int64

	// Fork/join metrics
	ForksStarted    atomic.Int64
	JoinsCompleted  atomic.Int64
	JoinsTimedOut   atomic.Int64
	HeartbeatsSent  atomic.Int64

	// Action invocation metrics
	ActionInvocations atomic.Int64
	ActionFailures    atomic.Int64

	// Per-action metrics
	actionMetrics sync.Map // actionName -> *ActionMetrics

	startTime time.Time
}

// ActionMetrics tracks metrics for a single action name
type ActionMetrics struct {
	Invocations atomic.Int64
	Successes   atomic.Int64
	Failures    atomic.Int64
	TotalMs     atomic.Int64
	MinMs       atomic.Int64
	MaxMs       atomic.Int64
}

// Global metrics instance
var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinStepLatencyMs.Store(int64(^uint64(0) >> 1)) // Max int64
}

// Global returns the global metrics instance
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized
func StartTime() time.Time {
	return global.startTime
}

// RecordStep records a single FSM step transition
func (m *Metrics) RecordStep(actionName string, durationMs int64, success bool) {
	m.TotalSteps.Add(1)
	if success {
		m.SuccessSteps.Add(1)
	} else {
		m.FailedSteps.Add(1)
	}

	m.TotalStepLatencyMs.Add(durationMs)
	updateMin(&m.MinStepLatencyMs, durationMs)
	updateMax(&m.MaxStepLatencyMs, durationMs)

	if actionName != "" {
		am := m.getActionMetrics(actionName)
		am.Invocations.Add(1)
		if success {
			am.Successes.Add(1)
		} else {
			am.Failures.Add(1)
		}
		am.TotalMs.Add(durationMs)
		updateMin(&am.MinMs, durationMs)
		updateMax(&am.MaxMs, durationMs)
	}

	RecordPrometheusStep(actionName, durationMs, success)
}

// RecordActionInvocation records an outbound action invocation result
func (m *Metrics) RecordActionInvocation(actionName string, success bool) {
	m.ActionInvocations.Add(1)
	if !success {
		m.ActionFailures.Add(1)
	}
	RecordPrometheusActionInvocation(actionName, success)
}

// RecordForkStarted records a parallel/map combinator spawning branches
func (m *Metrics) RecordForkStarted(branchCount int) {
	m.ForksStarted.Add(1)
	RecordPrometheusForkStarted(branchCount)
}

// RecordJoinCompleted records a barrier collecting all branch results
func (m *Metrics) RecordJoinCompleted(waitMs int64) {
	m.JoinsCompleted.Add(1)
	RecordPrometheusJoinCompleted(waitMs)
}

// RecordJoinTimedOut records a barrier hitting its collect deadline
func (m *Metrics) RecordJoinTimedOut() {
	m.JoinsTimedOut.Add(1)
	RecordPrometheusJoinTimedOut()
}

// RecordHeartbeatSent records a self-extension heartbeat invocation
func (m *Metrics) RecordHeartbeatSent() {
	m.HeartbeatsSent.Add(1)
	RecordPrometheusHeartbeatSent()
}

func (m *Metrics) getActionMetrics(actionName string) *ActionMetrics {
	if v, ok := m.actionMetrics.Load(actionName); ok {
		return v.(*ActionMetrics)
	}

	am := &ActionMetrics{}
	am.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.actionMetrics.LoadOrStore(actionName, am)
	return actual.(*ActionMetrics)
}

// GetActionMetrics returns the metrics for a specific action (or nil if none recorded yet)
func (m *Metrics) GetActionMetrics(actionName string) *ActionMetrics {
	if v, ok := m.actionMetrics.Load(actionName); ok {
		return v.(*ActionMetrics)
	}
	return nil
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalSteps.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalStepLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinStepLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"steps": map[string]interface{}{
			"total":   total,
			"success": m.SuccessSteps.Load(),
			"failed":  m.FailedSteps.Load(),
		},
		"step_latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxStepLatencyMs.Load(),
		},
		"forks": map[string]interface{}{
			"started":     m.ForksStarted.Load(),
			"joined":      m.JoinsCompleted.Load(),
			"timed_out":   m.JoinsTimedOut.Load(),
			"heartbeats":  m.HeartbeatsSent.Load(),
		},
		"action_invocations": map[string]interface{}{
			"total":  m.ActionInvocations.Load(),
			"failed": m.ActionFailures.Load(),
		},
	}
}

// ActionStats returns per-action metrics
func (m *Metrics) ActionStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.actionMetrics.Range(func(key, value interface{}) bool {
		actionName := key.(string)
		am := value.(*ActionMetrics)

		total := am.Invocations.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(am.TotalMs.Load()) / float64(total)
		}

		minMs := am.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[actionName] = map[string]interface{}{
			"invocations": total,
			"successes":   am.Successes.Load(),
			"failures":    am.Failures.Load(),
			"avg_ms":      avgMs,
			"min_ms":      minMs,
			"max_ms":      am.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["actions"] = m.ActionStats()
		json.NewEncoder(w).Encode(result)
	})
}

// Helper functions

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
