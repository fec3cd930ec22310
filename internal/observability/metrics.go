package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for wasm-forge.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Run metrics.
	RunsTotal      *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	AICallsPerRun  prometheus.Histogram
	ActiveRuns     prometheus.Gauge
	AdmissionTotal prometheus.Counter

	// Inference metrics.
	InferenceRequestsTotal   *prometheus.CounterVec
	InferenceRequestDuration *prometheus.HistogramVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "runs",
			Name:      "total",
			Help:      "Total plugin runs by outcome.",
		}, []string{"plugin", "outcome", "runtime"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "forge",
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "Plugin run duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"runtime"}),

		AICallsPerRun: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "forge",
			Subsystem: "runs",
			Name:      "ai_calls",
			Help:      "Accepted inference calls per run.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		}),

		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "forge",
			Name:      "active_runs",
			Help:      "Number of currently executing plugin runs.",
		}),

		AdmissionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "runs",
			Name:      "admission_rejections_total",
			Help:      "Runs rejected because capacity was exhausted.",
		}),

		InferenceRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "inference",
			Name:      "requests_total",
			Help:      "Total inference backend requests.",
		}, []string{"model", "status"}),

		InferenceRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "forge",
			Subsystem: "inference",
			Name:      "request_duration_seconds",
			Help:      "Inference backend request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "forge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.AICallsPerRun,
		m.ActiveRuns,
		m.AdmissionTotal,
		m.InferenceRequestsTotal,
		m.InferenceRequestDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}
