package checkpoint

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/orbit/internal/checkpoint"

var opsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orbit",
		Subsystem: "checkpoint",
		Name:      "ops_total",
		Help:      "Checkpoint store operations by backend, operation and result",
	},
	[]string{"backend", "op", "result"},
)

// Instrumented wraps a Store with tracing, metrics and logging.
type Instrumented struct {
	next    Store
	backend string
	tracer  trace.Tracer
	logger  *zap.Logger
}

// Instrument wraps next. backend labels metrics ("memory", "sqlite", "nats").
func Instrument(next Store, backend string, logger *zap.Logger) *Instrumented {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Instrumented{
		next:    next,
		backend: backend,
		tracer:  otel.Tracer(instrumentationName),
		logger:  logger,
	}
}

func (i *Instrumented) observe(span trace.Span, op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case errors.Is(err, ErrCorrupt):
		result = "corrupt"
		i.logger.Warn("corrupt checkpoint", zap.String("backend", i.backend), zap.Error(err))
	case errors.Is(err, ErrConflict), errors.Is(err, ErrStale):
		result = "conflict"
	default:
		result = "error"
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
	}
	opsTotal.WithLabelValues(i.backend, op, result).Inc()
}

// Save implements Store.
func (i *Instrumented) Save(ctx context.Context, snap Snapshot) error {
	ctx, span := i.tracer.Start(ctx, "checkpoint.save")
	defer span.End()
	if snap.Task != nil {
		span.SetAttributes(
			attribute.String("task.id", snap.Task.ID),
			attribute.Int("task.generation", snap.Task.Generation),
			attribute.String("task.phase", string(snap.Task.Phase)),
		)
	}
	err := i.next.Save(ctx, snap)
	i.observe(span, "save", err)
	return err
}

// Load implements Store.
func (i *Instrumented) Load(ctx context.Context, taskID string) (Snapshot, error) {
	ctx, span := i.tracer.Start(ctx, "checkpoint.load", trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()
	snap, err := i.next.Load(ctx, taskID)
	i.observe(span, "load", err)
	return snap, err
}

// List implements Store.
func (i *Instrumented) List(ctx context.Context, userID string) ([]Summary, error) {
	ctx, span := i.tracer.Start(ctx, "checkpoint.list")
	defer span.End()
	out, err := i.next.List(ctx, userID)
	i.observe(span, "list", err)
	return out, err
}

// Close implements Store.
func (i *Instrumented) Close() error { return i.next.Close() }
