package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_executions_total",
			Help: "Total number of code executions by outcome status",
		},
		[]string{"language", "status"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runbox_execution_duration_ms",
			Help:    "Execution duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"language", "phase"}, // phase: "compile", "run", "total"
	)

	TestCasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_test_cases_total",
			Help: "Total number of test cases evaluated",
		},
		[]string{"language", "passed"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_queue_depth",
			Help: "Current number of tenant operations waiting or running",
		},
	)

	ActiveLanes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_active_lanes",
			Help: "Number of tenants with queued or running operations",
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_active_sessions",
			Help: "Number of live tenant sessions",
		},
	)

	ContainerCreationTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runbox_container_creation_ms",
			Help:    "Time to create and start a container",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000, 5000},
		},
	)

	CleanupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runbox_cleanup_failures_total",
			Help: "Post-run process cleanups that failed or timed out",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runbox_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)
)
