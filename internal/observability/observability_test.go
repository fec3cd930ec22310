package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/Hungruong/wasm-forge/internal/config"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_NilSafeRecording(t *testing.T) {
	// All recording helpers must be no-ops on a nil facade.
	var obs *Observability
	obs.RunStarted()
	obs.RunFinished()
	obs.RecordRun("p", "success", "wasmedge", time.Second, 1)
	obs.RecordAdmissionRejection()
	obs.Shutdown(context.Background())
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	if m == nil {
		t.Fatal("expected non-nil MetricsCollector")
	}
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	// Initialize vec metrics so they appear in Gather (a CounterVec only
	// appears after first use).
	m.RunsTotal.WithLabelValues("demo", "success", "wasmedge").Inc()
	m.InferenceRequestsTotal.WithLabelValues("llama3", "success").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"forge_runs_total",
		"forge_runs_duration_seconds",
		"forge_runs_ai_calls",
		"forge_active_runs",
		"forge_runs_admission_rejections_total",
		"forge_inference_requests_total",
		"forge_http_requests_total",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestRecordRun_Counts(t *testing.T) {
	obs := &Observability{Metrics: NewMetricsCollector()}

	obs.RecordRun("demo", "success", "wasmedge", 2*time.Second, 1)
	obs.RecordRun("demo", "success", "wasmedge", time.Second, 2)
	obs.RecordRun("demo", "timeout", "fallback", 30*time.Second, 0)

	families, err := obs.Metrics.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	var found bool
	for _, f := range families {
		if f.GetName() != "forge_runs_total" {
			continue
		}
		found = true
		for _, metric := range f.GetMetric() {
			labels := labelMap(metric.GetLabel())
			switch labels["outcome"] {
			case "success":
				if got := metric.GetCounter().GetValue(); got != 2 {
					t.Errorf("success count = %v, want 2", got)
				}
			case "timeout":
				if got := metric.GetCounter().GetValue(); got != 1 {
					t.Errorf("timeout count = %v, want 1", got)
				}
			}
		}
	}
	if !found {
		t.Error("forge_runs_total not found")
	}
}

func TestActiveRunsGauge(t *testing.T) {
	obs := &Observability{Metrics: NewMetricsCollector()}

	obs.RunStarted()
	obs.RunStarted()
	obs.RunFinished()

	families, err := obs.Metrics.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() == "forge_active_runs" {
			if got := f.GetMetric()[0].GetGauge().GetValue(); got != 1 {
				t.Errorf("active runs = %v, want 1", got)
			}
			return
		}
	}
	t.Error("forge_active_runs not found")
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_AllPass(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("db", func(ctx context.Context) error { return nil })
	h.AddCheck("inference", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if status.Checks["db"].Status != "ok" {
		t.Errorf("db check = %q, want ok", status.Checks["db"].Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("db", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("inference", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["db"].Status != "fail" {
		t.Errorf("db check = %q, want fail", status.Checks["db"].Status)
	}
	if status.Checks["inference"].Status != "ok" {
		t.Errorf("inference check = %q, want ok", status.Checks["inference"].Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckHealth()
	if status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	// All methods should be no-ops on nil receiver.
	var a *AnomalyDetector
	a.RecordError("run")
	a.RecordSuccess("run")
}

func TestAnomalyDetector_ErrorRateThreshold(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, nil)

	// 6 errors, 4 successes = 60% error rate > 50% threshold.
	for i := 0; i < 4; i++ {
		a.RecordSuccess("inference")
	}
	for i := 0; i < 6; i++ {
		a.RecordError("inference")
	}

	// Verify internal counts (the threshold alert just logs).
	a.mu.Lock()
	errCount := a.errorCounts["inference"].sum()
	okCount := a.successCounts["inference"].sum()
	a.mu.Unlock()

	if errCount != 6 {
		t.Errorf("errors = %v, want 6", errCount)
	}
	if okCount != 4 {
		t.Errorf("successes = %v, want 4", okCount)
	}
}

// --- InstrumentedClient (wrapper) ---

type mockClient struct {
	text   string
	err    error
	called int
}

func (m *mockClient) Name() string { return "mock" }

func (m *mockClient) Generate(context.Context, string, string) (string, error) {
	m.called++
	return m.text, m.err
}

func (m *mockClient) ListModels(context.Context) ([]string, error) {
	return []string{"llama3"}, nil
}

func TestInstrumentedClient_Success(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockClient{text: "hello"}

	c := NewInstrumentedClient(inner, metrics, nil, nil)
	text, err := c.Generate(context.Background(), "llama3", "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "hello" {
		t.Errorf("text = %q, want hello", text)
	}
	if inner.called != 1 {
		t.Errorf("inner called %d times, want 1", inner.called)
	}

	assertCounter(t, metrics, "forge_inference_requests_total", map[string]string{
		"model": "llama3", "status": "success",
	}, 1)
}

func TestInstrumentedClient_Error(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockClient{err: errors.New("backend down")}

	c := NewInstrumentedClient(inner, metrics, nil, nil)
	if _, err := c.Generate(context.Background(), "llama3", "hi"); err == nil {
		t.Fatal("expected error passthrough")
	}

	assertCounter(t, metrics, "forge_inference_requests_total", map[string]string{
		"model": "llama3", "status": "error",
	}, 1)
}

func assertCounter(t *testing.T, m *MetricsCollector, name string, labels map[string]string, want float64) {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			got := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if got[k] != v {
					match = false
					break
				}
			}
			if match {
				if value := metric.GetCounter().GetValue(); value != want {
					t.Errorf("%s%v = %v, want %v", name, labels, value, want)
				}
				return
			}
		}
	}
	t.Errorf("counter %s with labels %v not found", name, labels)
}
