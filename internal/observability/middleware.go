package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MetricsMiddleware wraps a route with request counting, latency
// histograms, and an http.request span. Either collector may be nil;
// the middleware skips what is not configured.
func MetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()
			method, path := r.Method, r.URL.Path

			var span trace.Span
			if tracer != nil {
				_, span = tracer.Start(r.Context(), "http.request",
					trace.WithAttributes(
						attribute.String("http.method", method),
						attribute.String("http.path", path),
					))
			}

			start := time.Now()
			err := next(c)
			elapsed := time.Since(start).Seconds()

			code := c.Response().StatusCode()
			if code == 0 {
				code = http.StatusOK
			}

			if metrics != nil {
				metrics.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(code)).Inc()
				metrics.HTTPRequestDuration.WithLabelValues(method, path).Observe(elapsed)
			}
			if span != nil {
				span.SetAttributes(attribute.Int("http.status_code", code))
				span.End()
			}

			return err
		}
	}
}
