package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orbit/internal/events"
	"github.com/fyrsmithlabs/orbit/internal/logging"
	"github.com/fyrsmithlabs/orbit/internal/memory"
	"github.com/fyrsmithlabs/orbit/internal/oracle"
	"github.com/fyrsmithlabs/orbit/internal/task"
)

func (o *Orchestrator) respond(ctx context.Context, r *run) error {
	t := r.task
	text := o.compose(ctx, t)
	if o.scrubber != nil {
		text = o.scrubber.String(text)
	}
	t.Reply = text
	if err := t.AppendTurn(task.RoleAssistant, text, o.now()); err != nil {
		return err
	}
	if err := o.transition(ctx, r, task.PhaseDone); err != nil {
		return err
	}
	iterations.Observe(float64(t.IterationCount))

	e := events.ForTask(events.Finished, t, o.now())
	e.Message = text
	if t.Failure != task.ErrorNone {
		e.Data = map[string]any{"failure": string(t.Failure)}
	}
	o.publish(ctx, e)

	o.remember(ctx, t)
	return nil
}

// compose writes the final reply. The oracle phrases it when it can; a
// deterministic summary is used otherwise.
func (o *Orchestrator) compose(ctx context.Context, t *task.Task) string {
	if t.Failure == task.ErrorOracleUnavailable {
		return fallbackReply(t)
	}

	if len(t.Plan) == 0 && t.Failure == task.ErrorNone {
		answer, err := o.oracle.Answer(ctx, t.Conversation, o.recall(ctx, t))
		if err == nil && strings.TrimSpace(answer) != "" {
			return strings.TrimSpace(answer)
		}
		o.logger.Warn("answer failed", append(logging.ContextFields(ctx), zap.Error(err))...)
		t.Failure = task.ErrorOracleUnavailable
		t.Notice = "I could not reach the language model to answer the question."
		return fallbackReply(t)
	}

	summary, err := o.oracle.Summarize(ctx, oracle.ReplyInput{
		Conversation: t.Conversation,
		Intent:       t.Intent,
		Goal:         t.Goal,
		Plan:         t.Plan,
		Outcomes:     t.Outcomes,
		Notice:       t.Notice,
	})
	if err == nil && strings.TrimSpace(summary) != "" {
		return strings.TrimSpace(summary)
	}
	o.logger.Warn("summary failed, using fallback", append(logging.ContextFields(ctx), zap.Error(err))...)
	return fallbackReply(t)
}

// fallbackReply summarizes the task without the oracle.
func fallbackReply(t *task.Task) string {
	var b strings.Builder
	if t.Notice != "" {
		b.WriteString(t.Notice)
		b.WriteString("\n")
	}
	if len(t.Plan) == 0 {
		if b.Len() == 0 {
			b.WriteString("Nothing was done.")
		}
		return strings.TrimSpace(b.String())
	}
	if t.Goal != "" {
		fmt.Fprintf(&b, "Goal: %s\n", t.Goal)
	}
	for _, s := range t.Plan {
		outs := t.OutcomesFor(s.ID)
		if len(outs) == 0 {
			fmt.Fprintf(&b, "- %s: not run\n", describe(s))
			continue
		}
		last := outs[len(outs)-1]
		if last.Success {
			fmt.Fprintf(&b, "- %s: done", describe(s))
			if out := firstLine(last.Output); out != "" {
				fmt.Fprintf(&b, " (%s)", out)
			}
			b.WriteString("\n")
			continue
		}
		fmt.Fprintf(&b, "- %s: failed after %d attempt(s): %s\n", describe(s), len(outs), last.Error)
	}
	return strings.TrimSpace(b.String())
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}

func (o *Orchestrator) recall(ctx context.Context, t *task.Task) []string {
	if o.memory == nil {
		return nil
	}
	records, err := o.memory.Recall(ctx, t.UserID, t.LastUserMessage(), o.cfg.MemoryTopK)
	if err != nil {
		o.logger.Debug("memory recall failed", append(logging.ContextFields(ctx), zap.Error(err))...)
		return nil
	}
	return memory.Format(records)
}

// remember writes a finished task back to memory. Failures are logged.
func (o *Orchestrator) remember(ctx context.Context, t *task.Task) {
	if o.memory == nil || t.Failure == task.ErrorAborted {
		return
	}
	text := fmt.Sprintf("Q: %s\nA: %s", request(t), t.Reply)
	if o.scrubber != nil {
		text = o.scrubber.String(text)
	}
	err := o.memory.Remember(ctx, memory.Record{
		UserID: t.UserID,
		TaskID: t.ID,
		Text:   text,
		At:     t.UpdatedAt,
	})
	if err != nil {
		o.logger.Warn("memory write-back failed", append(logging.ContextFields(ctx), zap.Error(err))...)
	}
}

// request is the message that opened the task's current generation.
func request(t *task.Task) string {
	for _, turn := range t.Conversation {
		if turn.Role == task.RoleUser {
			return turn.Text
		}
	}
	return ""
}
