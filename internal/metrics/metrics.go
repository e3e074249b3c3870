package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SandboxesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "caserun_sandboxes_active",
			Help: "Number of sandboxes currently allocated",
		},
	)

	SandboxRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caserun_sandbox_runs_total",
			Help: "Supervised sandbox runs by terminal state",
		},
		[]string{"language", "phase", "state"}, // phase: "build", "run"
	)

	SandboxDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "caserun_sandbox_duration_ms",
			Help:    "Wall clock of a supervised sandbox run in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"language", "phase"},
	)

	VectorResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caserun_vector_results_total",
			Help: "Test vector results by status",
		},
		[]string{"language", "status"},
	)

	Runs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caserun_runs_total",
			Help: "Grading requests by outcome",
		},
		[]string{"language", "outcome"}, // outcome: "passed", "failed", or an error kind
	)

	EnvironmentFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "caserun_environment_failures_total",
			Help: "Grading requests aborted because the container engine was unusable",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "caserun_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)
)
