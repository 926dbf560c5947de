package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs created by enqueue"}, []string{"type"})
	DeduplicatedCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_deduplicated_total", Help: "Enqueue calls answered with an existing live job"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	ClaimCounter        = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_claimed_total", Help: "Successful claims"})
	ClaimConflicts      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_claim_conflicts_total", Help: "Claims lost to another worker or a stale candidate"})
	WorkerSuccess       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_succeeded_total", Help: "Jobs completed successfully"})
	WorkerRetries       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Failed attempts re-queued for retry"})
	WorkerDeadLetter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_dead_letter_total", Help: "Jobs moved to DLQ"})
	LeaseLost           = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_lease_lost_total", Help: "Results discarded because the worker no longer held the lease"})
	LeaseOverruns       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_lease_overruns_total", Help: "Handlers still running when their lease expired"})
	TransitionsReverted = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_transitions_reverted_total", Help: "Job writes dropped by the transition guard"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently executing in this process"})
	ExecutionDuration   = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobs_execution_seconds",
		Help:    "Handler execution time",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"type", "outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			DeduplicatedCounter,
			RateLimitRejects,
			ClaimCounter,
			ClaimConflicts,
			WorkerSuccess,
			WorkerRetries,
			WorkerDeadLetter,
			LeaseLost,
			LeaseOverruns,
			TransitionsReverted,
			InFlightGauge,
			ExecutionDuration,
		)
	})
	return promhttp.Handler()
}
