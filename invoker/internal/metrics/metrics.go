package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Subscription metrics
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objtrigger_invoker_messages_total",
			Help: "Total number of broker messages by subscription and outcome",
		},
		[]string{"subscription", "outcome"},
	)

	// Invocation metrics
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objtrigger_invoker_transitions_total",
			Help: "Total number of run state transitions by target state",
		},
		[]string{"state"},
	)

	OutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objtrigger_invoker_outcomes_total",
			Help: "Total number of finished invocations by outcome",
		},
		[]string{"outcome"},
	)

	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "objtrigger_invoker_in_flight",
			Help: "Number of invocations currently running",
		},
	)

	SubmitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "objtrigger_invoker_submit_duration_seconds",
			Help:    "Duration of orchestrator submissions in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	// Dead-run queue metrics
	DeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objtrigger_invoker_dead_letters_total",
			Help: "Total number of dead runs written to the dead-run queue",
		},
		[]string{"reason"},
	)
)
