// Package evaluator decides what the orchestrator does after each executor
// pass.
package evaluator

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/orbit/internal/task"
)

// Kind is the kind of transition.
type Kind int

const (
	Advance Kind = iota
	Retry
	Escalate
	Finish
)

func (k Kind) String() string {
	switch k {
	case Advance:
		return "advance"
	case Retry:
		return "retry"
	case Escalate:
		return "escalate"
	case Finish:
		return "finish"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Transition is the evaluator's decision.
type Transition struct {
	Kind Kind

	// StepIDs are the steps to retry (Retry) or that exhausted their
	// budget (Escalate).
	StepIDs []string

	// Delay is the backoff to wait before the retry pass.
	Delay time.Duration

	// Failure is set on a Finish that stops the task early.
	Failure task.ErrorKind
}

// Policy bounds iterations and retries.
type Policy struct {
	MaxIterations int
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

// Defaults.
const (
	DefaultMaxIterations = 12
	DefaultMaxAttempts   = 3
	DefaultBaseDelay     = 500 * time.Millisecond
	DefaultMaxDelay      = 10 * time.Second
)

// DefaultPolicy returns the default policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxIterations: DefaultMaxIterations,
		MaxAttempts:   DefaultMaxAttempts,
		BaseDelay:     DefaultBaseDelay,
		MaxDelay:      DefaultMaxDelay,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxIterations <= 0 {
		p.MaxIterations = d.MaxIterations
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	return p
}

// Backoff returns the delay before attempt+1, given attempt attempts so far.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay == 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Evaluator applies a Policy.
type Evaluator struct {
	policy Policy
}

// New creates an evaluator. Zero policy fields take their defaults.
func New(p Policy) *Evaluator {
	return &Evaluator{policy: p.withDefaults()}
}

// Policy returns the effective policy.
func (e *Evaluator) Policy() Policy {
	return e.policy
}

// Exhausted reports whether a step has used its whole retry budget.
func (e *Evaluator) Exhausted(t *task.Task, stepID string) bool {
	return t.Attempts[stepID] >= e.policy.MaxAttempts
}

// Evaluate decides the next transition. t must already include newOutcomes.
//
// In priority order: the iteration guard, retry of new failures with
// budget left, escalation of any step whose latest attempt failed with the
// budget spent, completion, and otherwise advance.
func (e *Evaluator) Evaluate(t *task.Task, newOutcomes []task.StepOutcome) Transition {
	if t.IterationCount >= e.policy.MaxIterations {
		if t.PlanComplete() {
			return Transition{Kind: Finish}
		}
		return Transition{Kind: Finish, Failure: task.ErrorMaxIterationsExceeded}
	}

	var retry []string
	maxAttempt := 0
	seen := make(map[string]bool)
	for _, o := range newOutcomes {
		if o.Success || seen[o.StepID] || !latestFailed(t, o.StepID) {
			continue
		}
		seen[o.StepID] = true
		if n := t.Attempts[o.StepID]; n < e.policy.MaxAttempts {
			retry = append(retry, o.StepID)
			if n > maxAttempt {
				maxAttempt = n
			}
		}
	}
	if len(retry) > 0 {
		return Transition{Kind: Retry, StepIDs: retry, Delay: e.policy.Backoff(maxAttempt)}
	}

	if exhausted := e.exhaustedFailures(t); len(exhausted) > 0 {
		return Transition{Kind: Escalate, StepIDs: exhausted}
	}

	if t.PlanComplete() {
		return Transition{Kind: Finish}
	}
	return Transition{Kind: Advance}
}

// exhaustedFailures lists, in plan order, steps whose latest attempt failed
// and whose budget is spent.
func (e *Evaluator) exhaustedFailures(t *task.Task) []string {
	var out []string
	for _, s := range t.Plan {
		if latestFailed(t, s.ID) && e.Exhausted(t, s.ID) {
			out = append(out, s.ID)
		}
	}
	return out
}

func latestFailed(t *task.Task, stepID string) bool {
	for i := len(t.Outcomes) - 1; i >= 0; i-- {
		if t.Outcomes[i].StepID == stepID {
			return !t.Outcomes[i].Success
		}
	}
	return false
}
