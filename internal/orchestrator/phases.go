package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orbit/internal/evaluator"
	"github.com/fyrsmithlabs/orbit/internal/events"
	"github.com/fyrsmithlabs/orbit/internal/executor"
	"github.com/fyrsmithlabs/orbit/internal/logging"
	"github.com/fyrsmithlabs/orbit/internal/planner"
	"github.com/fyrsmithlabs/orbit/internal/task"
)

// run is the state of one Advance call.
type run struct {
	task    *task.Task
	message string

	// newOutcomes are the outcomes of the latest executor pass.
	newOutcomes []task.StepOutcome

	// gated are the steps that pass held for confirmation.
	gated []executor.Gate

	// suspended stops the loop at awaiting_confirmation.
	suspended bool

	// unclear marks a confirmation answer outside the lexicon.
	unclear bool
}

// phaseHandler runs one phase and performs the transition out of it. An
// error aborts the Advance call.
type phaseHandler func(ctx context.Context, r *run) error

func (o *Orchestrator) run(ctx context.Context, r *run) error {
	for !r.suspended && !r.task.Phase.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return err
		}
		phase := r.task.Phase
		handler, ok := o.handlers[phase]
		if !ok {
			return fmt.Errorf("no handler for phase %s", phase)
		}
		phaseCtx, span := o.tracer.Start(ctx, "orchestrator.phase."+string(phase),
			trace.WithAttributes(attribute.String("task.id", r.task.ID)))
		err := handler(phaseCtx, r)
		span.End()
		if err != nil {
			return fmt.Errorf("phase %s: %w", phase, err)
		}
	}
	return nil
}

func (o *Orchestrator) transition(ctx context.Context, r *run, next task.Phase) error {
	from := r.task.Phase
	if err := r.task.SetPhase(next, o.now()); err != nil {
		return err
	}
	phaseTransitions.WithLabelValues(string(from), string(next)).Inc()
	o.logger.Debug("phase transition", append(logging.ContextFields(ctx),
		zap.String("from", string(from)),
		zap.String("to", string(next)),
	)...)
	return nil
}

// fail records a fatal task error and routes to responding.
func (o *Orchestrator) fail(ctx context.Context, r *run, kind task.ErrorKind, notice string, cause error) error {
	r.task.Failure = kind
	r.task.Notice = notice
	fields := append(logging.ContextFields(ctx), zap.String("failure", string(kind)))
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	o.logger.Warn("task failed", fields...)
	return o.transition(ctx, r, task.PhaseResponding)
}

func (o *Orchestrator) publish(ctx context.Context, e events.Event) {
	if err := o.sink.Publish(ctx, e); err != nil {
		o.logger.Debug("publish event", append(logging.ContextFields(ctx),
			zap.String("event", string(e.Type)), zap.Error(err))...)
	}
}

func (o *Orchestrator) classify(ctx context.Context, r *run) error {
	t := r.task
	intent, err := o.oracle.ClassifyIntent(ctx, t.Conversation)
	if err != nil {
		return o.fail(ctx, r, task.ErrorOracleUnavailable,
			"I could not reach the language model to understand the request.", err)
	}
	t.Intent = intent

	e := events.ForTask(events.IntentClassified, t, o.now())
	e.Message = string(intent)
	o.publish(ctx, e)

	switch intent {
	case task.IntentCommand, task.IntentWorkflow:
		return o.transition(ctx, r, task.PhasePlanning)
	default:
		// question, unknown, and a confirmation with nothing pending
		return o.transition(ctx, r, task.PhaseResponding)
	}
}

func (o *Orchestrator) plan(ctx context.Context, r *run) error {
	t := r.task
	var (
		p   planner.Plan
		err error
	)
	if t.Intent == task.IntentCommand {
		p, err = o.planner.BuildCommandPlan(ctx, t.Conversation)
	} else {
		p, err = o.planner.BuildPlan(ctx, t.Conversation)
	}
	switch {
	case errors.Is(err, planner.ErrNoPlan):
		return o.fail(ctx, r, task.ErrorNoPlan,
			"I could not work out any steps for this request.", err)
	case errors.Is(err, planner.ErrInvalidPlan):
		return o.fail(ctx, r, task.ErrorInvalidPlan,
			fmt.Sprintf("The plan I came up with could not be used: %v.", err), err)
	case err != nil:
		return o.fail(ctx, r, task.ErrorOracleUnavailable,
			"I could not reach the language model to plan the request.", err)
	}

	t.Goal = p.Goal
	t.Plan = p.Steps
	t.Cursor = 0

	e := events.ForTask(events.PlanBuilt, t, o.now())
	e.Message = p.Goal
	e.Data = map[string]any{"steps": len(p.Steps)}
	o.publish(ctx, e)

	return o.transition(ctx, r, task.PhaseExecuting)
}

func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	t := r.task
	policy := o.evaluator.Policy()

	if t.IterationCount >= policy.MaxIterations {
		return o.fail(ctx, r, task.ErrorMaxIterationsExceeded, stoppedNotice(t), nil)
	}

	var batch []task.Step
	for _, s := range t.Ready() {
		if t.Attempts[s.ID] < policy.MaxAttempts {
			batch = append(batch, s)
		}
	}
	if len(batch) == 0 {
		if t.PlanComplete() {
			return o.transition(ctx, r, task.PhaseResponding)
		}
		return o.fail(ctx, r, task.ErrorToolFailure,
			"No remaining step could run because the steps it depends on did not succeed.", nil)
	}

	res := o.executor.Execute(ctx, t, batch)
	if len(res.Outcomes) == 0 && len(res.Gated) > 0 {
		return o.hold(ctx, r, res.Gated)
	}

	t.RecordOutcomes(res.Outcomes...)
	r.newOutcomes = res.Outcomes
	r.gated = res.Gated
	return o.transition(ctx, r, task.PhaseEvaluating)
}

// hold suspends on steps that need confirmation before they run.
func (o *Orchestrator) hold(ctx context.Context, r *run, gated []executor.Gate) error {
	prompt, tier := unsafePrompt(gated)
	ids := make([]string, len(gated))
	for i, g := range gated {
		ids[i] = g.Step.ID
	}
	return o.suspend(ctx, r, &task.PendingConfirmation{
		Prompt:   prompt,
		StepIDs:  ids,
		Reason:   task.ReasonUnsafeAction,
		RiskTier: tier,
		AskedAt:  o.now(),
	})
}

func (o *Orchestrator) evaluate(ctx context.Context, r *run) error {
	t := r.task
	tr := o.evaluator.Evaluate(t, r.newOutcomes)
	gated := r.gated
	r.newOutcomes, r.gated = nil, nil
	t.AdvanceCursor()

	o.logger.Debug("evaluated", append(logging.ContextFields(ctx),
		zap.String("transition", tr.Kind.String()),
		zap.Strings("steps", tr.StepIDs),
		zap.Int("iteration", t.IterationCount),
		zap.Int("cursor", t.Cursor),
	)...)

	switch tr.Kind {
	case evaluator.Advance:
		if len(gated) > 0 {
			return o.hold(ctx, r, gated)
		}
		return o.transition(ctx, r, task.PhaseExecuting)
	case evaluator.Retry:
		// Held steps are asked about first; the retry runs after the answer.
		if len(gated) > 0 {
			return o.hold(ctx, r, gated)
		}
		if err := o.sleep(ctx, tr.Delay); err != nil {
			return err
		}
		return o.transition(ctx, r, task.PhaseExecuting)
	case evaluator.Escalate:
		return o.suspend(ctx, r, &task.PendingConfirmation{
			Prompt:  escalationPrompt(t, tr.StepIDs),
			StepIDs: tr.StepIDs,
			Reason:  task.ReasonRetryExhausted,
			AskedAt: o.now(),
		})
	default:
		if tr.Failure != task.ErrorNone {
			return o.fail(ctx, r, tr.Failure, stoppedNotice(t), nil)
		}
		return o.transition(ctx, r, task.PhaseResponding)
	}
}

func stoppedNotice(t *task.Task) string {
	return fmt.Sprintf("Stopped for safety after %d iterations; results so far are included.", t.IterationCount)
}

// suspend parks the task at awaiting_confirmation with p.
func (o *Orchestrator) suspend(ctx context.Context, r *run, p *task.PendingConfirmation) error {
	t := r.task
	t.Pending = p
	if err := o.transition(ctx, r, task.PhaseAwaitingConfirmation); err != nil {
		return err
	}
	if err := t.AppendTurn(task.RoleAssistant, p.Prompt, o.now()); err != nil {
		return err
	}
	confirmationsTotal.WithLabelValues(string(p.Reason)).Inc()
	o.logger.Info("awaiting confirmation", append(logging.ContextFields(ctx),
		zap.String("reason", string(p.Reason)),
		zap.Strings("steps", p.StepIDs),
	)...)

	e := events.ForTask(events.ConfirmationRequested, t, o.now())
	e.Message = p.Prompt
	e.Data = map[string]any{"steps": p.StepIDs, "reason": string(p.Reason)}
	o.publish(ctx, e)

	r.suspended = true
	return nil
}

// confirm handles the answer to a pending confirmation.
func (o *Orchestrator) confirm(ctx context.Context, r *run) error {
	t := r.task
	p := t.Pending
	if p == nil {
		return o.transition(ctx, r, task.PhaseExecuting)
	}

	switch parseAnswer(r.message) {
	case answerYes:
		switch p.Reason {
		case task.ReasonRetryExhausted:
			for _, id := range p.StepIDs {
				t.ResetAttempts(id)
			}
		default:
			t.Approve(p.StepIDs...)
		}
		o.logger.Info("confirmed", append(logging.ContextFields(ctx), zap.Strings("steps", p.StepIDs))...)
		t.Pending = nil
		return o.transition(ctx, r, task.PhaseExecuting)

	case answerNo:
		t.Pending = nil
		o.logger.Info("declined", append(logging.ContextFields(ctx), zap.Strings("steps", p.StepIDs))...)
		return o.fail(ctx, r, task.ErrorAborted,
			"The task was aborted at your request; the held steps were not run.", nil)

	default:
		r.unclear = true
		r.suspended = true
		return nil
	}
}
