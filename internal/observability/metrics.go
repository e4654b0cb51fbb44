package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeSessions          prometheus.Gauge
	sessionsClosedTotal     *prometheus.CounterVec
	checkpointLoadDuration  prometheus.Histogram
	checkpointSaveDuration  prometheus.Histogram
	checkpointFailuresTotal prometheus.Counter

	invocationTotal    *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	nodeExecutionTotal *prometheus.CounterVec
	boundaryStopsTotal *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current active session count.",
				},
			),
			sessionsClosedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sessions_closed_total",
					Help: "Total sessions closed by end reason.",
				},
				[]string{"reason"},
			),
			checkpointLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "checkpoint_load_duration_seconds",
					Help:    "Checkpoint load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			checkpointSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "checkpoint_save_duration_seconds",
					Help:    "Checkpoint save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			checkpointFailuresTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "checkpoint_failures_total",
					Help: "Total checkpoint store failures.",
				},
			),
			invocationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "invocation_total",
					Help: "Total engine invocations by intent and status.",
				},
				[]string{"intent", "status"},
			),
			invocationDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "invocation_duration_seconds",
					Help:    "Engine invocation duration in seconds by intent.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"intent"},
			),
			nodeExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "node_execution_total",
					Help: "Total node handler executions by node and status.",
				},
				[]string{"node", "status"},
			),
			boundaryStopsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "boundary_stops_total",
					Help: "Total conversations terminated by the boundary critic, by reason.",
				},
				[]string{"reason"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total tool execution errors by tool and class.",
				},
				[]string{"tool", "class"},
			),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.sessionsClosedTotal,
			m.checkpointLoadDuration,
			m.checkpointSaveDuration,
			m.checkpointFailuresTotal,
			m.invocationTotal,
			m.invocationDuration,
			m.nodeExecutionTotal,
			m.boundaryStopsTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionClosed(reason string) {
	getMetrics().sessionsClosedTotal.WithLabelValues(reason).Inc()
}

func RecordCheckpointLoad(duration time.Duration) {
	getMetrics().checkpointLoadDuration.Observe(duration.Seconds())
}

func RecordCheckpointSave(duration time.Duration) {
	getMetrics().checkpointSaveDuration.Observe(duration.Seconds())
}

func RecordCheckpointFailure() {
	getMetrics().checkpointFailuresTotal.Inc()
}

func RecordInvocation(intent string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.invocationTotal.WithLabelValues(intent, status).Inc()
	m.invocationDuration.WithLabelValues(intent).Observe(duration.Seconds())
}

func RecordNodeExecution(node string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().nodeExecutionTotal.WithLabelValues(node, status).Inc()
}

func RecordBoundaryStop(reason string) {
	getMetrics().boundaryStopsTotal.WithLabelValues(reason).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool, class string) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool, class).Inc()
	}
}
