package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Intent is the classification of a user request.
type Intent string

const (
	IntentCommand      Intent = "command"
	IntentQuestion     Intent = "question"
	IntentWorkflow     Intent = "workflow"
	IntentConfirmation Intent = "confirmation"
	IntentUnknown      Intent = "unknown"
)

// ParseIntent normalizes free-form classifier output. Anything outside the
// enumeration becomes IntentUnknown.
func ParseIntent(s string) Intent {
	switch Intent(strings.ToLower(strings.TrimSpace(s))) {
	case IntentCommand:
		return IntentCommand
	case IntentQuestion:
		return IntentQuestion
	case IntentWorkflow:
		return IntentWorkflow
	case IntentConfirmation:
		return IntentConfirmation
	}
	return IntentUnknown
}

// Phase is a state of the orchestrator state machine.
type Phase string

const (
	PhaseClassifying          Phase = "classifying"
	PhasePlanning             Phase = "planning"
	PhaseExecuting            Phase = "executing"
	PhaseEvaluating           Phase = "evaluating"
	PhaseAwaitingConfirmation Phase = "awaiting_confirmation"
	PhaseResponding           Phase = "responding"
	PhaseDone                 Phase = "done"
)

var transitions = map[Phase][]Phase{
	PhaseClassifying:          {PhaseResponding, PhasePlanning},
	PhasePlanning:             {PhaseExecuting, PhaseResponding},
	PhaseExecuting:            {PhaseEvaluating, PhaseAwaitingConfirmation, PhaseResponding},
	PhaseEvaluating:           {PhaseExecuting, PhaseAwaitingConfirmation, PhaseResponding},
	PhaseAwaitingConfirmation: {PhaseExecuting, PhaseResponding},
	PhaseResponding:           {PhaseDone},
}

// CanTransition reports whether moving from p to next is legal.
func (p Phase) CanTransition(next Phase) bool {
	for _, allowed := range transitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are legal.
func (p Phase) IsTerminal() bool {
	return p == PhaseDone
}

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of the append-only conversation.
type Turn struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Step is one planned unit of tool work.
type Step struct {
	ID          string         `json:"step_id"`
	Action      string         `json:"action_name"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	Description string         `json:"description,omitempty"`
}

// StepOutcome is the immutable record of one step attempt.
type StepOutcome struct {
	StepID    string        `json:"step_id"`
	Attempt   int           `json:"attempt"`
	Success   bool          `json:"success"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	RiskTier  RiskTier      `json:"risk_tier"`
	Duration  time.Duration `json:"duration"`
	StartedAt time.Time     `json:"started_at"`
}

// ConfirmationReason says why the task is waiting on a human.
type ConfirmationReason string

const (
	// ReasonUnsafeAction: a ready step was classified high or critical.
	ReasonUnsafeAction ConfirmationReason = "unsafe_action"
	// ReasonRetryExhausted: a step failed after its whole retry budget.
	ReasonRetryExhausted ConfirmationReason = "retry_exhausted"
)

// PendingConfirmation is set exactly while the task is awaiting a human
// answer.
type PendingConfirmation struct {
	Prompt   string             `json:"prompt"`
	StepIDs  []string           `json:"step_ids"`
	Reason   ConfirmationReason `json:"reason"`
	RiskTier RiskTier           `json:"risk_tier"`
	AskedAt  time.Time          `json:"asked_at"`
}

// Task is one end-to-end user request under execution.
type Task struct {
	ID             string               `json:"task_id"`
	UserID         string               `json:"user_id"`
	Generation     int                  `json:"generation"`
	Conversation   []Turn               `json:"conversation"`
	Intent         Intent               `json:"intent,omitempty"`
	Goal           string               `json:"goal,omitempty"`
	Plan           []Step               `json:"plan,omitempty"`
	Cursor         int                  `json:"cursor"`
	IterationCount int                  `json:"iteration_count"`
	Outcomes       []StepOutcome        `json:"outcomes,omitempty"`
	Attempts       map[string]int       `json:"attempts,omitempty"`
	Approved       []string             `json:"approved,omitempty"`
	Pending        *PendingConfirmation `json:"pending_confirmation,omitempty"`
	Phase          Phase                `json:"phase"`
	Failure        ErrorKind            `json:"failure,omitempty"`
	Notice         string               `json:"notice,omitempty"`
	Reply          string               `json:"reply,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// NewID returns a fresh task identifier.
func NewID() string {
	return uuid.NewString()
}

// New creates a task in PhaseClassifying.
func New(id, userID string, now time.Time) *Task {
	return &Task{
		ID:        id,
		UserID:    userID,
		Phase:     PhaseClassifying,
		Attempts:  make(map[string]int),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Successor starts a new generation under the same id. The receiver is left
// untouched.
func (t *Task) Successor(now time.Time) *Task {
	next := New(t.ID, t.UserID, now)
	next.Generation = t.Generation + 1
	return next
}

// SetPhase moves the task to next, enforcing the transition table.
func (t *Task) SetPhase(next Phase, now time.Time) error {
	if t.Phase.IsTerminal() {
		return ErrTaskDone
	}
	if !t.Phase.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Phase, next)
	}
	t.Phase = next
	t.UpdatedAt = now
	return nil
}

// AppendTurn adds a turn to the conversation.
func (t *Task) AppendTurn(role Role, text string, now time.Time) error {
	if t.Phase.IsTerminal() {
		return ErrTaskDone
	}
	t.Conversation = append(t.Conversation, Turn{Role: role, Text: text, At: now})
	t.UpdatedAt = now
	return nil
}

// LastUserMessage returns the text of the most recent user turn.
func (t *Task) LastUserMessage() string {
	for i := len(t.Conversation) - 1; i >= 0; i-- {
		if t.Conversation[i].Role == RoleUser {
			return t.Conversation[i].Text
		}
	}
	return ""
}

// StepByID looks up a planned step.
func (t *Task) StepByID(id string) (Step, bool) {
	for _, s := range t.Plan {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Completed returns the ids of steps that have a successful outcome.
func (t *Task) Completed() map[string]bool {
	done := make(map[string]bool, len(t.Outcomes))
	for _, o := range t.Outcomes {
		if o.Success {
			done[o.StepID] = true
		}
	}
	return done
}

// Ready returns the steps at or after the cursor that are not completed and
// whose dependencies are all completed, in plan order.
func (t *Task) Ready() []Step {
	done := t.Completed()
	var ready []Step
	for i := t.Cursor; i < len(t.Plan); i++ {
		s := t.Plan[i]
		if done[s.ID] {
			continue
		}
		satisfied := true
		for _, dep := range s.DependsOn {
			if !done[dep] {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, s)
		}
	}
	return ready
}

// AdvanceCursor moves the cursor past every leading completed step. The
// cursor never moves backwards.
func (t *Task) AdvanceCursor() {
	done := t.Completed()
	next := t.Cursor
	for next < len(t.Plan) && done[t.Plan[next].ID] {
		next++
	}
	if next > t.Cursor {
		t.Cursor = next
	}
}

// PlanComplete reports whether every planned step has succeeded.
func (t *Task) PlanComplete() bool {
	if len(t.Plan) == 0 {
		return false
	}
	done := t.Completed()
	for _, s := range t.Plan {
		if !done[s.ID] {
			return false
		}
	}
	return true
}

// RecordOutcomes appends outcomes and charges each attempt against the
// step's retry budget.
func (t *Task) RecordOutcomes(outcomes ...StepOutcome) {
	if t.Attempts == nil {
		t.Attempts = make(map[string]int)
	}
	for _, o := range outcomes {
		t.Outcomes = append(t.Outcomes, o)
		t.Attempts[o.StepID]++
	}
}

// OutcomesFor returns all recorded outcomes of one step, oldest first.
func (t *Task) OutcomesFor(stepID string) []StepOutcome {
	var out []StepOutcome
	for _, o := range t.Outcomes {
		if o.StepID == stepID {
			out = append(out, o)
		}
	}
	return out
}

// ResetAttempts gives a step a fresh retry budget.
func (t *Task) ResetAttempts(stepID string) {
	delete(t.Attempts, stepID)
}

// IsApproved reports whether a human approved the step.
func (t *Task) IsApproved(stepID string) bool {
	for _, id := range t.Approved {
		if id == stepID {
			return true
		}
	}
	return false
}

// Approve records approval for the given steps.
func (t *Task) Approve(stepIDs ...string) {
	for _, id := range stepIDs {
		if !t.IsApproved(id) {
			t.Approved = append(t.Approved, id)
		}
	}
}

// Validate checks the structural invariants of the task.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if t.Cursor < 0 || t.Cursor > len(t.Plan) {
		return fmt.Errorf("cursor %d out of range [0,%d]", t.Cursor, len(t.Plan))
	}
	if t.IterationCount < 0 {
		return fmt.Errorf("iteration count is negative")
	}
	if (t.Phase == PhaseAwaitingConfirmation) != (t.Pending != nil) {
		return fmt.Errorf("pending confirmation must be set exactly in phase %s", PhaseAwaitingConfirmation)
	}
	seen := make(map[string]bool, len(t.Plan))
	for _, s := range t.Plan {
		if s.ID == "" {
			return fmt.Errorf("step with empty id")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("step %q depends on %q which is not an earlier step", s.ID, dep)
			}
		}
		seen[s.ID] = true
	}
	for _, o := range t.Outcomes {
		if !seen[o.StepID] {
			return fmt.Errorf("%w: outcome for %q", ErrUnknownStep, o.StepID)
		}
	}
	return nil
}

// StepStatus is the externally reported state of one step.
type StepStatus string

const (
	StepPending              StepStatus = "pending"
	StepRunning              StepStatus = "running"
	StepCompleted            StepStatus = "completed"
	StepFailed               StepStatus = "failed"
	StepAwaitingConfirmation StepStatus = "awaiting_confirmation"
	StepSkipped              StepStatus = "skipped"
)

// StatusOf derives the status of a step from the recorded outcomes.
func (t *Task) StatusOf(stepID string) StepStatus {
	if t.Pending != nil {
		for _, id := range t.Pending.StepIDs {
			if id == stepID {
				return StepAwaitingConfirmation
			}
		}
	}
	outcomes := t.OutcomesFor(stepID)
	if len(outcomes) == 0 {
		if t.Phase == PhaseDone {
			return StepSkipped
		}
		return StepPending
	}
	last := outcomes[len(outcomes)-1]
	if last.Success {
		return StepCompleted
	}
	return StepFailed
}
