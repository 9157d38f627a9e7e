package orchestrator

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/orbit/internal/task"
)

// StepStatus reports one planned step.
type StepStatus struct {
	ID          string          `json:"step_id"`
	Action      string          `json:"action_name"`
	Description string          `json:"description,omitempty"`
	DependsOn   []string        `json:"depends_on,omitempty"`
	Status      task.StepStatus `json:"status"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
}

// Status is a read-only view of a task.
type Status struct {
	TaskID               string         `json:"task_id"`
	UserID               string         `json:"user_id"`
	Generation           int            `json:"generation"`
	Phase                task.Phase     `json:"phase"`
	Intent               task.Intent    `json:"intent,omitempty"`
	Goal                 string         `json:"goal,omitempty"`
	Cursor               int            `json:"cursor"`
	Iterations           int            `json:"iteration_count"`
	Failure              task.ErrorKind `json:"failure,omitempty"`
	AwaitingConfirmation bool           `json:"awaiting_confirmation"`
	ConfirmationPrompt   string         `json:"confirmation_prompt,omitempty"`
	Reply                string         `json:"reply,omitempty"`
	Steps                []StepStatus   `json:"steps"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// Status loads the newest checkpoint of a task. It does not take the task
// lock; the store guarantees a whole snapshot.
func (o *Orchestrator) Status(ctx context.Context, taskID string) (*Status, error) {
	snap, err := o.store.Load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return statusOf(snap.Task), nil
}

func statusOf(t *task.Task) *Status {
	s := &Status{
		TaskID:     t.ID,
		UserID:     t.UserID,
		Generation: t.Generation,
		Phase:      t.Phase,
		Intent:     t.Intent,
		Goal:       t.Goal,
		Cursor:     t.Cursor,
		Iterations: t.IterationCount,
		Failure:    t.Failure,
		Reply:      t.Reply,
		Steps:      make([]StepStatus, 0, len(t.Plan)),
		UpdatedAt:  t.UpdatedAt,
	}
	if t.Pending != nil {
		s.AwaitingConfirmation = true
		s.ConfirmationPrompt = t.Pending.Prompt
	}
	for _, step := range t.Plan {
		st := StepStatus{
			ID:          step.ID,
			Action:      step.Action,
			Description: step.Description,
			DependsOn:   step.DependsOn,
			Status:      t.StatusOf(step.ID),
			Attempts:    len(t.OutcomesFor(step.ID)),
		}
		if outs := t.OutcomesFor(step.ID); len(outs) > 0 && !outs[len(outs)-1].Success {
			st.LastError = outs[len(outs)-1].Error
		}
		s.Steps = append(s.Steps, st)
	}
	return s
}
