// Package task defines the data model driven by the orchestrator: the Task
// itself, its plan of Steps, the recorded StepOutcomes, and the enumerations
// (Intent, Phase, RiskTier, ErrorKind) that the state machine branches on.
//
// A Task is exclusively owned by one orchestrator invocation at a time.
// Between invocations it lives in the checkpoint store, keyed by Task.ID.
package task
