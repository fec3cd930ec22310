// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// health checks, and anomaly detection for wasm-forge.
// All components are optional and nil-safe — when disabled, callers
// skip recording with a single nil check per operation.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Hungruong/wasm-forge/internal/config"
)

// Observability is the top-level facade holding all observability components.
// Any field may be nil when that feature is disabled.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New creates an Observability instance from config.
// Returns nil when the config is nil (all features disabled).
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}

	obs := &Observability{}

	// Metrics.
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}

	// Tracing.
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}

	// Anomaly detection.
	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}

	// Health checker (always created, checks added during wiring).
	obs.Health = NewHealthChecker(logger)

	return obs, nil
}

// Shutdown releases observability resources.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}

// TracerOrNil returns the OTel tracer setup or nil if tracing is disabled.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

// --- Run recording (nil-safe, called from the runner) ---

// RunStarted bumps the active-runs gauge.
func (o *Observability) RunStarted() {
	if o == nil || o.Metrics == nil {
		return
	}
	o.Metrics.ActiveRuns.Inc()
}

// RunFinished decrements the active-runs gauge.
func (o *Observability) RunFinished() {
	if o == nil || o.Metrics == nil {
		return
	}
	o.Metrics.ActiveRuns.Dec()
}

// RecordRun records one completed run.
func (o *Observability) RecordRun(pluginName, outcome, runtime string, elapsed time.Duration, calls int) {
	if o == nil {
		return
	}
	if o.Metrics != nil {
		o.Metrics.RunsTotal.WithLabelValues(pluginName, outcome, runtime).Inc()
		o.Metrics.RunDuration.WithLabelValues(runtime).Observe(elapsed.Seconds())
		o.Metrics.AICallsPerRun.Observe(float64(calls))
	}
	if o.Anomaly != nil {
		if outcome == "success" {
			o.Anomaly.RecordSuccess("run")
		} else {
			o.Anomaly.RecordError("run")
		}
	}
}

// RecordAdmissionRejection counts a run turned away at the door.
func (o *Observability) RecordAdmissionRejection() {
	if o == nil || o.Metrics == nil {
		return
	}
	o.Metrics.AdmissionTotal.Inc()
}
