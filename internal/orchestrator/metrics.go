package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	advanceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orbit",
			Subsystem: "orchestrator",
			Name:      "advance_total",
			Help:      "Advance calls by result",
		},
		[]string{"result"},
	)

	phaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orbit",
			Subsystem: "orchestrator",
			Name:      "phase_transitions_total",
			Help:      "Task phase transitions",
		},
		[]string{"from", "to"},
	)

	confirmationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orbit",
			Subsystem: "orchestrator",
			Name:      "confirmations_total",
			Help:      "Confirmation prompts issued by reason",
		},
		[]string{"reason"},
	)

	iterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "orbit",
			Subsystem: "orchestrator",
			Name:      "iterations",
			Help:      "Executor iterations per finished task",
			Buckets:   []float64{0, 1, 2, 3, 4, 6, 8, 10, 12, 16},
		},
	)
)

const (
	resultReplied  = "replied"
	resultAwaiting = "awaiting_confirmation"
	resultBusy     = "busy"
	resultExpired  = "expired"
	resultError    = "error"
)
