package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Hungruong/wasm-forge/internal/inference"
)

// InstrumentedClient wraps an inference.Client with metrics, tracing, and
// anomaly detection. Every bridge call_request that reaches the backend
// passes through here.
type InstrumentedClient struct {
	inner   inference.Client
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedClient wraps an inference client with observability.
func NewInstrumentedClient(inner inference.Client, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedClient {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedClient{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (c *InstrumentedClient) Name() string { return c.inner.Name() }

func (c *InstrumentedClient) Generate(ctx context.Context, model, prompt string) (string, error) {
	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "inference.generate",
			trace.WithAttributes(
				attribute.String("inference.backend", c.inner.Name()),
				attribute.String("inference.model", model),
				attribute.Int("inference.prompt_bytes", len(prompt)),
			))
		defer span.End()
	}

	start := time.Now()
	text, err := c.inner.Generate(ctx, model, prompt)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if c.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if c.metrics != nil {
		c.metrics.InferenceRequestsTotal.WithLabelValues(model, status).Inc()
		c.metrics.InferenceRequestDuration.WithLabelValues(model).Observe(duration)
	}

	if c.anomaly != nil {
		if err != nil {
			c.anomaly.RecordError("inference")
		} else {
			c.anomaly.RecordSuccess("inference")
		}
	}

	return text, err
}

func (c *InstrumentedClient) ListModels(ctx context.Context) ([]string, error) {
	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "inference.list_models",
			trace.WithAttributes(
				attribute.String("inference.backend", c.inner.Name()),
			))
		defer span.End()
	}

	models, err := c.inner.ListModels(ctx)
	if err != nil && c.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return models, err
}

// compile-time interface check
var _ inference.Client = (*InstrumentedClient)(nil)
