// Package events carries task lifecycle events to observers. Publishing
// never influences control flow: sink errors are logged by the caller and
// otherwise ignored.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/orbit/internal/task"
)

// Type names a lifecycle event.
type Type string

const (
	IntentClassified      Type = "intent-classified"
	PlanBuilt             Type = "plan-built"
	StepStarted           Type = "step-started"
	StepFinished          Type = "step-finished"
	ConfirmationRequested Type = "confirmation-requested"
	Finished              Type = "finished"
)

// Event is one lifecycle notification.
type Event struct {
	Type       Type           `json:"type"`
	TaskID     string         `json:"task_id"`
	UserID     string         `json:"user_id,omitempty"`
	Generation int            `json:"generation"`
	Phase      task.Phase     `json:"phase,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	Action     string         `json:"action,omitempty"`
	Success    *bool          `json:"success,omitempty"`
	Message    string         `json:"message,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	At         time.Time      `json:"at"`
}

// ForTask returns an event of type typ stamped with the task identity.
func ForTask(typ Type, t *task.Task, now time.Time) Event {
	return Event{
		Type:       typ,
		TaskID:     t.ID,
		UserID:     t.UserID,
		Generation: t.Generation,
		Phase:      t.Phase,
		At:         now,
	}
}

// Sink receives events.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

// Publish implements Sink.
func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every sink.
type Multi []Sink

// Publish implements Sink. Every sink is tried; errors are joined.
func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
