// Package orchestrator drives a task through its phases.
//
// # Phases
//
//	classifying → {responding | planning} → executing → evaluating
//	    → {executing | awaiting_confirmation | responding} → done
//
// Each call to Advance loads the task's checkpoint, appends the caller's
// message, runs phase handlers until the task either suspends at
// awaiting_confirmation or reaches done, and saves the checkpoint before
// returning. Only one Advance may be in flight per task id; a second call
// fails with ErrTaskBusy, or waits when queueing is enabled.
//
// # Failures
//
// Oracle, planning, iteration-guard and checkpoint failures never leave
// the caller without a reply: they are recorded as a task.ErrorKind and the
// responder explains them. Advance returns a Go error only when no reply
// can be produced at all.
//
// # Confirmation
//
// A batch holding a high or critical step, or a step that spent its retry
// budget, suspends the task with a prompt. The next Advance carries the
// answer. Affirmative answers resume execution, negative answers abort,
// anything else repeats the prompt.
package orchestrator
