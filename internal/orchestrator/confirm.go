package orchestrator

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/orbit/internal/executor"
	"github.com/fyrsmithlabs/orbit/internal/task"
)

type answer int

const (
	answerUnclear answer = iota
	answerYes
	answerNo
)

var (
	affirmative = []string{"y", "yes", "yeah", "yep", "sure", "ok", "okay", "confirm", "approve", "proceed", "go ahead", "do it"}
	negative    = []string{"n", "no", "nope", "cancel", "abort", "stop", "deny"}
)

// parseAnswer matches a confirmation reply against a fixed lexicon. Case,
// surrounding whitespace and trailing punctuation are ignored.
func parseAnswer(msg string) answer {
	s := strings.ToLower(strings.TrimSpace(msg))
	s = strings.TrimRight(s, ".!? ")
	for _, w := range affirmative {
		if s == w {
			return answerYes
		}
	}
	for _, w := range negative {
		if s == w {
			return answerNo
		}
	}
	return answerUnclear
}

func unsafePrompt(gated []executor.Gate) (string, task.RiskTier) {
	var b strings.Builder
	tier := task.RiskLow
	b.WriteString("The next step")
	if len(gated) > 1 {
		b.WriteString("s need")
	} else {
		b.WriteString(" needs")
	}
	b.WriteString(" your confirmation before running:\n")
	for _, g := range gated {
		tier = task.MaxRisk(tier, g.Tier)
		fmt.Fprintf(&b, "  %s. %s (%s risk)\n", g.Step.ID, describe(g.Step), g.Tier)
	}
	b.WriteString("Proceed? (yes/no)")
	return b.String(), tier
}

func escalationPrompt(t *task.Task, stepIDs []string) string {
	var b strings.Builder
	b.WriteString("These steps kept failing after every retry:\n")
	for _, id := range stepIDs {
		s, _ := t.StepByID(id)
		reason := ""
		if outs := t.OutcomesFor(id); len(outs) > 0 {
			reason = outs[len(outs)-1].Error
		}
		fmt.Fprintf(&b, "  %s. %s", id, describe(s))
		if reason != "" {
			fmt.Fprintf(&b, ": %s", reason)
		}
		b.WriteString("\n")
	}
	b.WriteString("Fix the problem and answer yes to try again, or no to stop.")
	return b.String()
}

func describe(s task.Step) string {
	if s.Description != "" {
		return s.Description
	}
	if cmd, ok := s.Arguments["command"].(string); ok && cmd != "" {
		return s.Action + " `" + cmd + "`"
	}
	return s.Action
}
