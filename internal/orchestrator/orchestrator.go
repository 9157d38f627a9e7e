package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orbit/internal/checkpoint"
	"github.com/fyrsmithlabs/orbit/internal/evaluator"
	"github.com/fyrsmithlabs/orbit/internal/events"
	"github.com/fyrsmithlabs/orbit/internal/executor"
	"github.com/fyrsmithlabs/orbit/internal/logging"
	"github.com/fyrsmithlabs/orbit/internal/memory"
	"github.com/fyrsmithlabs/orbit/internal/oracle"
	"github.com/fyrsmithlabs/orbit/internal/planner"
	"github.com/fyrsmithlabs/orbit/internal/task"
)

const instrumentationName = "github.com/fyrsmithlabs/orbit/internal/orchestrator"

var (
	// ErrTaskBusy is returned when another Advance for the same task is in
	// flight.
	ErrTaskBusy = errors.New("task is busy")

	// ErrInvalidRequest is returned for an AdvanceRequest without a task id
	// or message.
	ErrInvalidRequest = errors.New("invalid advance request")

	// ErrUserMismatch is returned when a task is advanced by a user other
	// than its owner.
	ErrUserMismatch = errors.New("task belongs to another user")
)

// SessionExpiredText is the reply for a resume whose checkpoint is missing
// or unreadable.
const SessionExpiredText = "Session expired, please restart."

// Oracle is the part of the intent oracle the orchestrator calls directly.
type Oracle interface {
	ClassifyIntent(ctx context.Context, conversation []task.Turn) (task.Intent, error)
	Answer(ctx context.Context, conversation []task.Turn, memories []string) (string, error)
	Summarize(ctx context.Context, in oracle.ReplyInput) (string, error)
}

// Planner builds plans.
type Planner interface {
	BuildPlan(ctx context.Context, conversation []task.Turn) (planner.Plan, error)
	BuildCommandPlan(ctx context.Context, conversation []task.Turn) (planner.Plan, error)
}

// Executor runs a batch of ready steps.
type Executor interface {
	Execute(ctx context.Context, t *task.Task, batch []task.Step) executor.Result
}

// Evaluator decides the transition after an executor pass.
type Evaluator interface {
	Evaluate(t *task.Task, newOutcomes []task.StepOutcome) evaluator.Transition
	Policy() evaluator.Policy
}

// Scrubber redacts secrets from replies.
type Scrubber interface {
	String(content string) string
}

// Config tunes the orchestrator.
type Config struct {
	// QueueConcurrent makes a second Advance for a busy task wait instead
	// of failing with ErrTaskBusy.
	QueueConcurrent bool

	// MemoryTopK is the number of memories recalled for a question.
	MemoryTopK int
}

// AdvanceRequest is one caller turn.
type AdvanceRequest struct {
	TaskID  string
	UserID  string
	Message string

	// Resume marks the message as the answer to a pending confirmation.
	// A resume against a missing checkpoint is answered with
	// SessionExpiredText instead of starting a new task.
	Resume bool
}

// Reply is what the caller gets back from Advance.
type Reply struct {
	TaskID               string         `json:"task_id"`
	Generation           int            `json:"generation"`
	Text                 string         `json:"reply_text"`
	AwaitingConfirmation bool           `json:"awaiting_confirmation"`
	ConfirmationPrompt   string         `json:"confirmation_prompt,omitempty"`
	Phase                task.Phase     `json:"phase"`
	Failure              task.ErrorKind `json:"failure,omitempty"`
}

// Orchestrator runs the task state machine.
type Orchestrator struct {
	store     checkpoint.Store
	oracle    Oracle
	planner   Planner
	executor  Executor
	evaluator Evaluator
	memory    memory.Store
	scrubber  Scrubber
	sink      events.Sink
	cfg       Config
	locks     *taskLocks
	handlers  map[task.Phase]phaseHandler
	tracer    trace.Tracer
	logger    *zap.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithSink sets the lifecycle event sink.
func WithSink(s events.Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithMemory enables recall for questions and write-back of finished tasks.
func WithMemory(m memory.Store) Option {
	return func(o *Orchestrator) { o.memory = m }
}

// WithScrubber redacts replies.
func WithScrubber(s Scrubber) Option {
	return func(o *Orchestrator) { o.scrubber = s }
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = tp.Tracer(instrumentationName) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep overrides the retry backoff wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// New creates an orchestrator.
func New(store checkpoint.Store, orc Oracle, pl Planner, ex Executor, ev Evaluator, cfg Config, opts ...Option) *Orchestrator {
	if cfg.MemoryTopK <= 0 {
		cfg.MemoryTopK = 3
	}
	o := &Orchestrator{
		store:     store,
		oracle:    orc,
		planner:   pl,
		executor:  ex,
		evaluator: ev,
		sink:      events.Nop{},
		cfg:       cfg,
		locks:     newTaskLocks(),
		tracer:    otel.Tracer(instrumentationName),
		logger:    zap.NewNop(),
		now:       time.Now,
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.handlers = map[task.Phase]phaseHandler{
		task.PhaseClassifying:          o.classify,
		task.PhasePlanning:             o.plan,
		task.PhaseExecuting:            o.execute,
		task.PhaseEvaluating:           o.evaluate,
		task.PhaseAwaitingConfirmation: o.confirm,
		task.PhaseResponding:           o.respond,
	}
	return o
}

// Advance feeds one caller message to a task and runs it until it
// suspends for confirmation or finishes.
func (o *Orchestrator) Advance(ctx context.Context, req AdvanceRequest) (*Reply, error) {
	if strings.TrimSpace(req.TaskID) == "" || strings.TrimSpace(req.Message) == "" {
		advanceTotal.WithLabelValues(resultError).Inc()
		return nil, fmt.Errorf("%w: task id and message are required", ErrInvalidRequest)
	}

	release, err := o.locks.acquire(ctx, req.TaskID, o.cfg.QueueConcurrent)
	if err != nil {
		if errors.Is(err, ErrTaskBusy) {
			advanceTotal.WithLabelValues(resultBusy).Inc()
			return nil, fmt.Errorf("%w: %s", ErrTaskBusy, req.TaskID)
		}
		advanceTotal.WithLabelValues(resultError).Inc()
		return nil, err
	}
	defer release()

	ctx = logging.WithTaskID(ctx, req.TaskID)
	ctx = logging.WithUserID(ctx, req.UserID)
	ctx, span := o.tracer.Start(ctx, "orchestrator.advance", trace.WithAttributes(
		attribute.String("task.id", req.TaskID),
		attribute.Bool("resume", req.Resume),
	))
	defer span.End()

	reply, err := o.advance(ctx, req)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		advanceTotal.WithLabelValues(resultError).Inc()
	case reply.Failure == task.ErrorCheckpointNotFound || reply.Failure == task.ErrorCheckpointCorrupt:
		advanceTotal.WithLabelValues(resultExpired).Inc()
	case reply.AwaitingConfirmation:
		advanceTotal.WithLabelValues(resultAwaiting).Inc()
	default:
		advanceTotal.WithLabelValues(resultReplied).Inc()
	}
	return reply, err
}

func (o *Orchestrator) advance(ctx context.Context, req AdvanceRequest) (*Reply, error) {
	now := o.now()
	t, rev, expired, err := o.load(ctx, req)
	if err != nil {
		return nil, err
	}
	if expired != task.ErrorNone {
		return &Reply{
			TaskID:  req.TaskID,
			Text:    SessionExpiredText,
			Phase:   task.PhaseDone,
			Failure: expired,
		}, nil
	}

	if err := t.AppendTurn(task.RoleUser, req.Message, now); err != nil {
		return nil, err
	}

	r := &run{task: t, message: req.Message}
	if err := o.run(ctx, r); err != nil {
		// Keep whatever the task did; the next Advance continues from here.
		if saveErr := o.save(context.WithoutCancel(ctx), t, rev); saveErr != nil {
			err = errors.Join(err, saveErr)
		}
		return nil, err
	}
	if err := o.save(ctx, t, rev); err != nil {
		return nil, err
	}
	return replyFor(t, r), nil
}

// load returns the task to advance and the store revision it was read at.
// A non-empty ErrorKind means the session expired and there is no task.
func (o *Orchestrator) load(ctx context.Context, req AdvanceRequest) (*task.Task, uint64, task.ErrorKind, error) {
	snap, err := o.store.Load(ctx, req.TaskID)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		if req.Resume {
			o.logger.Info("resume without checkpoint", logging.ContextFields(ctx)...)
			return nil, 0, task.ErrorCheckpointNotFound, nil
		}
		return task.New(req.TaskID, req.UserID, o.now()), 0, task.ErrorNone, nil
	case errors.Is(err, checkpoint.ErrCorrupt):
		o.logger.Warn("checkpoint corrupt", append(logging.ContextFields(ctx), zap.Error(err))...)
		return nil, 0, task.ErrorCheckpointCorrupt, nil
	case err != nil:
		return nil, 0, task.ErrorNone, fmt.Errorf("load checkpoint: %w", err)
	}

	t := snap.Task
	if req.UserID != "" && t.UserID != "" && req.UserID != t.UserID {
		return nil, 0, task.ErrorNone, fmt.Errorf("%w: %s", ErrUserMismatch, req.TaskID)
	}
	if t.Phase.IsTerminal() {
		next := t.Successor(o.now())
		o.logger.Debug("starting new generation",
			append(logging.ContextFields(ctx), zap.Int("generation", next.Generation))...)
		return next, snap.Revision, task.ErrorNone, nil
	}
	return t, snap.Revision, task.ErrorNone, nil
}

func (o *Orchestrator) save(ctx context.Context, t *task.Task, rev uint64) error {
	if err := o.store.Save(ctx, checkpoint.Snapshot{Task: t, SavedAt: o.now(), Revision: rev}); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func replyFor(t *task.Task, r *run) *Reply {
	reply := &Reply{
		TaskID:     t.ID,
		Generation: t.Generation,
		Phase:      t.Phase,
		Failure:    t.Failure,
	}
	if t.Phase == task.PhaseAwaitingConfirmation && t.Pending != nil {
		reply.AwaitingConfirmation = true
		reply.ConfirmationPrompt = t.Pending.Prompt
		reply.Text = t.Pending.Prompt
		if r.unclear {
			reply.Text = "Please answer yes or no.\n" + t.Pending.Prompt
		}
		return reply
	}
	reply.Text = t.Reply
	return reply
}

// Tasks lists the newest generation of every task owned by userID.
func (o *Orchestrator) Tasks(ctx context.Context, userID string) ([]checkpoint.Summary, error) {
	return o.store.List(ctx, userID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
