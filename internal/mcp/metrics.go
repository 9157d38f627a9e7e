package mcp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orbit/internal/checkpoint"
	"github.com/fyrsmithlabs/orbit/internal/orchestrator"
)

const instrumentationName = "github.com/fyrsmithlabs/orbit/internal/mcp"

// toolMetrics counts tool calls, their latency and failures by reason.
type toolMetrics struct {
	calls    metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

func newToolMetrics(meter metric.Meter, logger *zap.Logger) *toolMetrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	var m toolMetrics
	var errs [4]error
	m.calls, errs[0] = meter.Int64Counter("orbit.mcp.tool.invocations_total",
		metric.WithDescription("MCP tool calls by tool"),
		metric.WithUnit("{invocation}"))
	m.failures, errs[1] = meter.Int64Counter("orbit.mcp.tool.errors_total",
		metric.WithDescription("Failed MCP tool calls by tool and reason"),
		metric.WithUnit("{error}"))
	m.latency, errs[2] = meter.Float64Histogram("orbit.mcp.tool.duration_seconds",
		metric.WithDescription("MCP tool call latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.25, 1, 2.5, 5, 10, 30, 60, 120))
	m.inFlight, errs[3] = meter.Int64UpDownCounter("orbit.mcp.tool.active_requests",
		metric.WithDescription("MCP tool calls in progress"),
		metric.WithUnit("{request}"))
	if err := errors.Join(errs[:]...); err != nil && logger != nil {
		logger.Warn("some mcp instruments are unavailable", zap.Error(err))
	}
	return &m
}

// begin records the start of a call to tool and returns the func that
// records its end.
func (m *toolMetrics) begin(ctx context.Context, tool string) func(err error) {
	start := time.Now()
	attrs := attribute.String("tool", tool)
	if m.inFlight != nil {
		m.inFlight.Add(ctx, 1, metric.WithAttributes(attrs))
	}
	return func(err error) {
		if m.inFlight != nil {
			m.inFlight.Add(ctx, -1, metric.WithAttributes(attrs))
		}
		if m.calls != nil {
			m.calls.Add(ctx, 1, metric.WithAttributes(attrs))
		}
		if m.latency != nil {
			m.latency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs))
		}
		if err != nil && m.failures != nil {
			m.failures.Add(ctx, 1, metric.WithAttributes(attrs, attribute.String("reason", categorizeError(err))))
		}
	}
}

// categorizeError maps a tool error to a low-cardinality reason.
func categorizeError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, orchestrator.ErrTaskBusy), errors.Is(err, checkpoint.ErrConflict):
		return "busy"
	case errors.Is(err, orchestrator.ErrInvalidRequest), errors.Is(err, errInvalidInput):
		return "validation_error"
	case errors.Is(err, orchestrator.ErrUserMismatch):
		return "auth_error"
	case errors.Is(err, checkpoint.ErrNotFound):
		return "not_found"
	case errors.Is(err, checkpoint.ErrCorrupt):
		return "corrupt"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "internal_error"
	}
}
