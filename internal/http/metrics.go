package http

import (
	"errors"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/orbit/internal/http"

var latencyBuckets = []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// HTTPMetrics records request count, latency, response size and in-flight
// requests per route template. Advance calls block for a whole task pass,
// so the latency buckets reach a minute.
type HTTPMetrics struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	size     metric.Int64Histogram
	inFlight metric.Int64UpDownCounter
}

// NewHTTPMetrics creates metrics on the global meter provider.
func NewHTTPMetrics(logger *zap.Logger) *HTTPMetrics {
	return newHTTPMetrics(otel.Meter(httpInstrumentationName), logger)
}

func newHTTPMetrics(meter metric.Meter, logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	var m HTTPMetrics
	var errs [4]error
	m.requests, errs[0] = meter.Int64Counter("orbit.http.requests_total",
		metric.WithDescription("HTTP requests by method, route template and status"),
		metric.WithUnit("{request}"))
	m.latency, errs[1] = meter.Float64Histogram("orbit.http.request_duration_seconds",
		metric.WithDescription("HTTP request latency by method, route template and status"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...))
	m.size, errs[2] = meter.Int64Histogram("orbit.http.response_size_bytes",
		metric.WithDescription("HTTP response body size"),
		metric.WithUnit("By"))
	m.inFlight, errs[3] = meter.Int64UpDownCounter("orbit.http.active_requests",
		metric.WithDescription("HTTP requests being served"),
		metric.WithUnit("{request}"))
	if err := errors.Join(errs[:]...); err != nil {
		logger.Warn("some http instruments are unavailable", zap.Error(err))
	}
	return &m
}

// Middleware records one observation per request. Handler errors are
// rendered here so the recorded status is the one sent.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}

			res := c.Response()
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("endpoint", routeLabel(c.Path())),
				attribute.Int("status", res.Status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.size != nil {
				m.size.Record(ctx, res.Size, attrs)
			}
			return nil
		}
	}
}

// routeLabel is the route template (/api/v1/tasks/:id), never the raw URL,
// so task ids do not become label values.
func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
