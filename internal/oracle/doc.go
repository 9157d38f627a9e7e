// Package oracle is the language-model backed intent oracle.
//
// LLM wraps any langchaingo llms.Model with a token-bucket rate limiter,
// a per-call timeout and bounded exponential-backoff retries. Every failure
// that survives the retries is returned wrapped in ErrUnavailable so callers
// can map it to a single error kind.
//
// Consumers declare the narrow interface they need (the safety classifier
// only needs AssessRisk, the planner only Plan and GenerateCommand) and
// accept *LLM or a test double.
package oracle
