// Package executor runs the ready steps of a task.
//
// One call to Execute is one iteration: it classifies every step of the
// batch, holds the unapproved steps that need confirmation, and dispatches
// the rest concurrently and joins them. Failures, timeouts and panics become
// failed outcomes; Execute itself never aborts a batch early.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/orbit/internal/capability"
	"github.com/fyrsmithlabs/orbit/internal/events"
	"github.com/fyrsmithlabs/orbit/internal/task"
)

const instrumentationName = "github.com/fyrsmithlabs/orbit/internal/executor"

// Defaults.
const (
	DefaultStepTimeout = 30 * time.Second
	DefaultMaxParallel = 8
)

// Classifier rates a concrete invocation.
type Classifier interface {
	Classify(ctx context.Context, action string, args map[string]any) task.RiskTier
}

// Registry resolves capabilities by action name.
type Registry interface {
	Resolve(name string) (capability.Capability, error)
}

// Scrubber redacts secrets from step output.
type Scrubber interface {
	String(content string) string
}

// Config configures the executor.
type Config struct {
	StepTimeout time.Duration
	MaxParallel int
}

// Gate is a step held for confirmation.
type Gate struct {
	Step task.Step
	Tier task.RiskTier
}

// Result is the outcome of one Execute call. Outcomes follow batch order
// with the gated steps left out.
type Result struct {
	Outcomes []task.StepOutcome
	Gated    []Gate
}

// Executor runs steps against the registry.
type Executor struct {
	registry    Registry
	classifier  Classifier
	scrubber    Scrubber
	sink        events.Sink
	stepTimeout time.Duration
	maxParallel int
	tracer      trace.Tracer
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithSink sets the lifecycle event sink. It must be safe for concurrent
// use.
func WithSink(s events.Sink) Option {
	return func(e *Executor) { e.sink = s }
}

// WithScrubber redacts step output.
func WithScrubber(s Scrubber) Option {
	return func(e *Executor) { e.scrubber = s }
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Executor) { e.tracer = tp.Tracer(instrumentationName) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New creates an executor.
func New(registry Registry, classifier Classifier, cfg Config, opts ...Option) *Executor {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	e := &Executor{
		registry:    registry,
		classifier:  classifier,
		sink:        events.Nop{},
		stepTimeout: cfg.StepTimeout,
		maxParallel: cfg.MaxParallel,
		tracer:      otel.Tracer(instrumentationName),
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs batch for t and increments t.IterationCount. It does not
// record outcomes on t.
func (e *Executor) Execute(ctx context.Context, t *task.Task, batch []task.Step) Result {
	t.IterationCount++
	if len(batch) == 0 {
		return Result{}
	}

	var (
		runnable []task.Step
		tiers    []task.RiskTier
		gated    []Gate
	)
	for _, s := range batch {
		tier := e.tierOf(ctx, s)
		if tier.RequiresConfirmation() && !t.IsApproved(s.ID) {
			gated = append(gated, Gate{Step: s, Tier: tier})
			StepsTotal.WithLabelValues(s.Action, "gated").Inc()
			continue
		}
		runnable = append(runnable, s)
		tiers = append(tiers, tier)
	}
	if len(gated) > 0 {
		e.logger.Info("holding steps for confirmation",
			zap.String("task.id", t.ID),
			zap.Int("batch", len(batch)),
			zap.Int("gated", len(gated)),
		)
	}
	if len(runnable) == 0 {
		return Result{Gated: gated}
	}

	BatchSize.Observe(float64(len(runnable)))
	outcomes := make([]task.StepOutcome, len(runnable))

	var g errgroup.Group
	g.SetLimit(e.maxParallel)
	for i, s := range runnable {
		attempt := t.Attempts[s.ID] + 1
		g.Go(func() error {
			outcomes[i] = e.runStep(ctx, t, s, tiers[i], attempt)
			return nil
		})
	}
	_ = g.Wait() // runStep reports failures as outcomes

	return Result{Outcomes: outcomes, Gated: gated}
}

// tierOf is max(declared, classified). Unknown actions are critical.
func (e *Executor) tierOf(ctx context.Context, s task.Step) task.RiskTier {
	c, err := e.registry.Resolve(s.Action)
	if err != nil {
		return task.RiskCritical
	}
	return task.MaxRisk(c.Descriptor().Tier, e.classifier.Classify(ctx, s.Action, s.Arguments))
}

func (e *Executor) runStep(ctx context.Context, t *task.Task, s task.Step, tier task.RiskTier, attempt int) task.StepOutcome {
	ctx, span := e.tracer.Start(ctx, "executor.step", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("step.id", s.ID),
		attribute.String("step.action", s.Action),
		attribute.Int("step.attempt", attempt),
		attribute.String("step.risk", tier.String()),
	))
	defer span.End()

	started := e.now()
	e.publish(ctx, t, events.StepStarted, s, nil, "")

	out, err := e.invoke(ctx, s)
	duration := e.now().Sub(started)

	outcome := task.StepOutcome{
		StepID:    s.ID,
		Attempt:   attempt,
		RiskTier:  tier,
		Duration:  duration,
		StartedAt: started,
	}
	result := "success"
	if err != nil {
		outcome.ErrorKind = task.ErrorToolFailure
		result = "failure"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome.ErrorKind = task.ErrorTimeout
			result = "timeout"
		}
		outcome.Error = e.scrub(err.Error())
		outcome.Output = e.scrub(out)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		outcome.Success = true
		outcome.Output = e.scrub(out)
	}

	StepsTotal.WithLabelValues(s.Action, result).Inc()
	StepDuration.WithLabelValues(s.Action).Observe(duration.Seconds())
	e.logger.Debug("step finished",
		zap.String("task.id", t.ID),
		zap.String("step.id", s.ID),
		zap.String("action", s.Action),
		zap.Int("attempt", attempt),
		zap.String("result", result),
		zap.Duration("duration", duration),
	)

	success := outcome.Success
	e.publish(ctx, t, events.StepFinished, s, &success, outcome.Error)
	return outcome
}

// invoke runs the capability under the step timeout. A capability that
// ignores cancellation is abandoned when the timeout fires.
func (e *Executor) invoke(ctx context.Context, s task.Step) (string, error) {
	c, err := e.registry.Resolve(s.Action)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()

	type reply struct {
		out string
		err error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("capability panicked",
					zap.String("action", s.Action),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				done <- reply{err: fmt.Errorf("capability %s panicked: %v", s.Action, r)}
			}
		}()
		out, err := c.Invoke(ctx, s.Arguments)
		done <- reply{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return r.out, fmt.Errorf("step %s timed out after %s: %w", s.ID, e.stepTimeout, context.DeadlineExceeded)
		}
		return r.out, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("step %s timed out after %s: %w", s.ID, e.stepTimeout, context.DeadlineExceeded)
		}
		return "", ctx.Err()
	}
}

func (e *Executor) scrub(s string) string {
	if e.scrubber == nil || s == "" {
		return s
	}
	return e.scrubber.String(s)
}

func (e *Executor) publish(ctx context.Context, t *task.Task, typ events.Type, s task.Step, success *bool, msg string) {
	ev := events.ForTask(typ, t, e.now())
	ev.StepID = s.ID
	ev.Action = s.Action
	ev.Success = success
	ev.Message = msg

	if err := e.sink.Publish(ctx, ev); err != nil {
		e.logger.Warn("event publish failed", zap.String("event", string(typ)), zap.Error(err))
	}
}
