package evaluator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	evaluationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "evaluator",
		Name:      "request_duration_seconds",
		Help:      "Duration of evaluator requests",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"provider"})

	evaluationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "evaluator",
		Name:      "outcomes_total",
		Help:      "Evaluator outcomes by kind and reason",
	}, []string{"provider", "kind", "reason"})
)

func observeOutcome(provider string, outcome Outcome) {
	evaluationOutcomes.WithLabelValues(provider, string(outcome.Kind), string(outcome.Reason)).Inc()
}
