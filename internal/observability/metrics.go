package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Ngome.
// Uses a custom registry, never the global default.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox execution metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec

	// IPC command dispatch metrics.
	DispatchesTotal  *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	// Background job metrics.
	JobsRunning       prometheus.Gauge
	JobsFinishedTotal *prometheus.CounterVec
	JobKillsTotal     *prometheus.CounterVec

	// Output store metrics.
	OutputsStoredTotal *prometheus.CounterVec
	OutputBytesTotal   prometheus.Counter

	// Permission metrics.
	PermissionChecksTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox command executions.",
		}, []string{"mode", "status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ngome",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox command execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"mode"}),

		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "ipc",
			Name:      "dispatches_total",
			Help:      "Total IPC command dispatches.",
		}, []string{"command", "status"}),

		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ngome",
			Subsystem: "ipc",
			Name:      "dispatch_duration_seconds",
			Help:      "IPC command dispatch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),

		JobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ngome",
			Subsystem: "jobs",
			Name:      "running",
			Help:      "Number of currently running background jobs.",
		}),

		JobsFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Total background jobs finished, by terminal status.",
		}, []string{"status"}),

		JobKillsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "jobs",
			Name:      "kills_total",
			Help:      "Total kill requests, by result.",
		}, []string{"result"}),

		OutputsStoredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "outputs",
			Name:      "stored_total",
			Help:      "Total outputs persisted to the store, by detected format.",
		}, []string{"format"}),

		OutputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "outputs",
			Name:      "stored_bytes_total",
			Help:      "Total bytes persisted to the output store.",
		}),

		PermissionChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "permission",
			Name:      "checks_total",
			Help:      "Total permission checks, by requested mode and result.",
		}, []string{"mode", "result"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ngome",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ngome",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.DispatchesTotal,
		m.DispatchDuration,
		m.JobsRunning,
		m.JobsFinishedTotal,
		m.JobKillsTotal,
		m.OutputsStoredTotal,
		m.OutputBytesTotal,
		m.PermissionChecksTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
