package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StepsTotal counts step attempts.
	// Labels: action, result (success, failure, timeout, gated)
	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orbit",
			Subsystem: "executor",
			Name:      "steps_total",
			Help:      "Total number of step attempts by action and result",
		},
		[]string{"action", "result"},
	)

	// StepDuration tracks step execution time.
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orbit",
			Subsystem: "executor",
			Name:      "step_duration_seconds",
			Help:      "Duration of step execution in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"action"},
	)

	// BatchSize tracks how many steps run concurrently per pass.
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "orbit",
			Subsystem: "executor",
			Name:      "batch_size",
			Help:      "Number of steps dispatched per executor pass",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 12, 16},
		},
	)
)
