// Package metrics exposes the Prometheus instrumentation for foreman's
// worker pool, merge coordinator, and priority queue.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "foreman"

var (
	WorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workers_active",
		Help:      "Number of worker goroutines currently processing an issue.",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Number of issues currently queued, by priority tier.",
	}, []string{"tier"})

	IssuesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "issues_completed_total",
		Help:      "Issues that finished processing, by outcome.",
	}, []string{"outcome"})

	MergeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "merge_outcomes_total",
		Help:      "Merge attempts, by outcome.",
	}, []string{"outcome"})

	MergeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "merge_retries_total",
		Help:      "Total rebase-then-retry-merge attempts across all issues.",
	})

	CircuitBreakerTrips = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_trips_total",
		Help:      "Times the merge coordinator's circuit breaker has tripped.",
	})

	GitLockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "git_lock_wait_seconds",
		Help:      "Time spent waiting to acquire the trunk git lock.",
		Buckets:   prometheus.DefBuckets,
	})

	IssueDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "issue_duration_seconds",
		Help:      "Wall-clock duration of a single issue's worker run.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"outcome"})
)

// RecordIssueCompleted updates the completion counter and duration
// histogram for a finished issue.
func RecordIssueCompleted(outcome string, seconds float64) {
	IssuesCompleted.WithLabelValues(outcome).Inc()
	IssueDurationSeconds.WithLabelValues(outcome).Observe(seconds)
}

// RecordMergeOutcome updates the merge-outcome counter.
func RecordMergeOutcome(outcome string) {
	MergeOutcomes.WithLabelValues(outcome).Inc()
}
