// Package telemetry exposes Prometheus collectors for the pipeline.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesFetchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_pages_fetched_total",
			Help: "Total pages fetched, labeled by outcome and fetcher kind.",
		},
		[]string{"outcome", "fetcher"},
	)

	companiesAdmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prospector_companies_admitted_total",
			Help: "Total companies admitted by the batch scheduler.",
		},
	)

	phaseTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_phase_transitions_total",
			Help: "Total phase transitions, labeled by target phase.",
		},
		[]string{"phase"},
	)

	staleTransitionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prospector_stale_transitions_total",
			Help: "Phase advances rejected for arriving out of order.",
		},
	)

	taskRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_task_retries_total",
			Help: "Total task retries, labeled by queue.",
		},
		[]string{"queue"},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prospector_rate_limit_delay_seconds",
			Help:    "Time spent waiting on per-domain rate limits.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"domain"},
	)

	checkpointsSavedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prospector_checkpoints_saved_total",
			Help: "Total crawl checkpoints written.",
		},
	)
)

// ObservePageFetched records one fetch outcome.
func ObservePageFetched(success bool, usedBrowser bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	fetcher := "http"
	if usedBrowser {
		fetcher = "browser"
	}
	pagesFetchedTotal.WithLabelValues(outcome, fetcher).Inc()
}

// ObserveAdmissions records scheduler admissions.
func ObserveAdmissions(n int) {
	companiesAdmittedTotal.Add(float64(n))
}

// ObservePhaseTransition records an accepted phase advance.
func ObservePhaseTransition(phase string) {
	phaseTransitionsTotal.WithLabelValues(phase).Inc()
}

// ObserveStaleTransition records a dropped out-of-order phase advance.
func ObserveStaleTransition() {
	staleTransitionsTotal.Inc()
}

// ObserveTaskRetry records one task retry on a queue.
func ObserveTaskRetry(queue string) {
	taskRetriesTotal.WithLabelValues(queue).Inc()
}

// ObserveRateLimitDelay records time spent waiting on a domain cooldown.
func ObserveRateLimitDelay(domain string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(d.Seconds())
}

// ObserveCheckpointSaved records one checkpoint write.
func ObserveCheckpointSaved() {
	checkpointsSavedTotal.Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
