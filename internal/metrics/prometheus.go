package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for conductor metrics
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	stepsTotal             *prometheus.CounterVec
	actionInvocationsTotal *prometheus.CounterVec
	forksStartedTotal      prometheus.Counter
	joinsCompletedTotal    prometheus.Counter
	joinsTimedOutTotal     prometheus.Counter
	heartbeatsSentTotal    prometheus.Counter

	// Histograms
	stepDuration     *prometheus.HistogramVec
	joinWaitDuration prometheus.Histogram
	forkBranchCount  prometheus.Histogram

	// Gauges
	uptime         prometheus.GaugeFunc
	circuitState   *prometheus.GaugeVec
}

// Default histogram buckets for step duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total number of FSM step transitions",
			},
			[]string{"action", "status"},
		),

		actionInvocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "action_invocations_total",
				Help:      "Total number of outbound action invocations",
			},
			[]string{"action", "status"},
		),

		forksStartedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forks_started_total",
				Help:      "Total number of parallel/map combinators spawning branches",
			},
		),

		joinsCompletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "joins_completed_total",
				Help:      "Total number of fork/join barriers that collected all branches",
			},
		),

		joinsTimedOutTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "joins_timed_out_total",
				Help:      "Total number of fork/join barriers that hit their collect deadline",
			},
		),

		heartbeatsSentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeats_sent_total",
				Help:      "Total number of collect-timeout self-extension heartbeats sent",
			},
		),

		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_milliseconds",
				Help:      "Duration of FSM step transitions in milliseconds",
				Buckets:   buckets,
			},
			[]string{"action"},
		),

		joinWaitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "join_wait_milliseconds",
				Help:      "Time spent waiting at a fork/join barrier in milliseconds",
				Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
			},
		),

		forkBranchCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fork_branch_count",
				Help:      "Number of branches spawned per fork",
				Buckets:   []float64{1, 2, 3, 4, 5, 8, 13, 21, 34, 55},
			},
		),

		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"action"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the conductor process started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.stepsTotal,
		pm.actionInvocationsTotal,
		pm.forksStartedTotal,
		pm.joinsCompletedTotal,
		pm.joinsTimedOutTotal,
		pm.heartbeatsSentTotal,
		pm.stepDuration,
		pm.joinWaitDuration,
		pm.forkBranchCount,
		pm.uptime,
		pm.circuitState,
	)

	promMetrics = pm
}

// RecordPrometheusStep records an FSM step transition in Prometheus collectors
func RecordPrometheusStep(actionName string, durationMs int64, success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.stepsTotal.WithLabelValues(actionName, status).Inc()
	promMetrics.stepDuration.WithLabelValues(actionName).Observe(float64(durationMs))
}

// RecordPrometheusActionInvocation records an outbound action call in Prometheus
func RecordPrometheusActionInvocation(actionName string, success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.actionInvocationsTotal.WithLabelValues(actionName, status).Inc()
}

// RecordPrometheusForkStarted records a fork spawning branches in Prometheus
func RecordPrometheusForkStarted(branchCount int) {
	if promMetrics == nil {
		return
	}
	promMetrics.forksStartedTotal.Inc()
	promMetrics.forkBranchCount.Observe(float64(branchCount))
}

// RecordPrometheusJoinCompleted records a barrier join completing in Prometheus
func RecordPrometheusJoinCompleted(waitMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.joinsCompletedTotal.Inc()
	promMetrics.joinWaitDuration.Observe(float64(waitMs))
}

// RecordPrometheusJoinTimedOut records a barrier hitting its collect deadline
func RecordPrometheusJoinTimedOut() {
	if promMetrics == nil {
		return
	}
	promMetrics.joinsTimedOutTotal.Inc()
}

// RecordPrometheusHeartbeatSent records a self-extension heartbeat
func RecordPrometheusHeartbeatSent() {
	if promMetrics == nil {
		return
	}
	promMetrics.heartbeatsSentTotal.Inc()
}

// SetCircuitBreakerState sets the circuit breaker state gauge for an action.
// state: 0=closed, 1=open, 2=half_open
func SetCircuitBreakerState(actionName string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitState.WithLabelValues(actionName).Set(float64(state))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors)
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
