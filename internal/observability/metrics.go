package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsEnqueued counts accepted submissions by assigned priority.
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healrun_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"priority"},
	)

	// JobsClaimed counts successful claims per worker.
	JobsClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healrun_jobs_claimed_total",
			Help: "Total number of jobs claimed",
		},
		[]string{"worker"},
	)

	// RunsFinished counts finalized runs by outcome and error category.
	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healrun_runs_finished_total",
			Help: "Total number of finalized runs",
		},
		[]string{"outcome", "category"},
	)

	// SelfHealAttempts counts fix attempts started after a build failure.
	SelfHealAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "healrun_self_heal_attempts_total",
			Help: "Total number of self-heal fix attempts",
		},
	)

	// RunDuration tracks wall time of a run from claim to finalize.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "healrun_run_duration_seconds",
			Help:    "Run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		},
		[]string{"outcome"},
	)

	// RunCost accumulates estimated USD spent per provider.
	RunCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healrun_run_cost_usd_total",
			Help: "Estimated USD cost of finalized runs",
		},
		[]string{"provider"},
	)

	// RateLimitWait tracks time spent waiting for tokens.
	RateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "healrun_ratelimit_wait_seconds",
			Help:    "Time spent waiting in rate limiter acquire",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	// RateLimitTimeouts counts acquires that gave up.
	RateLimitTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healrun_ratelimit_timeouts_total",
			Help: "Total number of rate limiter acquire timeouts",
		},
		[]string{"service"},
	)

	// RateLimitTokens reports the token count left after the last acquire.
	RateLimitTokens = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "healrun_ratelimit_tokens",
			Help: "Tokens available in a service bucket after the last acquire",
		},
		[]string{"service"},
	)

	// QueueDepth reports jobs per status, refreshed by stats queries.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "healrun_queue_jobs",
			Help: "Number of jobs per status",
		},
		[]string{"status"},
	)
)
