package task

import "errors"

// ErrorKind is the stable classification of a failure. It is recorded on
// outcomes and on the task itself and survives serialization.
type ErrorKind string

const (
	ErrorNone                  ErrorKind = ""
	ErrorToolFailure           ErrorKind = "tool_failure"
	ErrorTimeout               ErrorKind = "timeout"
	ErrorOracleUnavailable     ErrorKind = "oracle_unavailable"
	ErrorInvalidPlan           ErrorKind = "invalid_plan"
	ErrorNoPlan                ErrorKind = "no_plan"
	ErrorMaxIterationsExceeded ErrorKind = "max_iterations_exceeded"
	ErrorCheckpointCorrupt     ErrorKind = "checkpoint_corrupt"
	ErrorCheckpointNotFound    ErrorKind = "checkpoint_not_found"
	ErrorAborted               ErrorKind = "aborted"
)

// Retryable reports whether the evaluator may retry a step that failed with
// this kind.
func (k ErrorKind) Retryable() bool {
	return k == ErrorToolFailure || k == ErrorTimeout
}

var (
	// ErrInvalidTransition is returned when a phase change is not allowed
	// by the state machine.
	ErrInvalidTransition = errors.New("invalid phase transition")

	// ErrTaskDone is returned when mutating a task that already reached
	// PhaseDone.
	ErrTaskDone = errors.New("task is done")

	// ErrUnknownStep is returned when a step id is not part of the plan.
	ErrUnknownStep = errors.New("unknown step")
)
