// Package metrics provides Prometheus instrumentation for the matcher. It
// exposes a gauge for the queue size, counters for sweep outcomes, and
// histograms for sweep duration and participant wait time.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueSize tracks the number of entries seen by the last completed sweep.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchmaker_queue_size",
		Help: "Number of entries in the wait queue at the last completed sweep",
	})

	// MatchesTotal counts published pairings, labeled by the category the
	// match record was created with.
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaker_matches_total",
		Help: "Total number of pairings published",
	}, []string{"category"})

	// TimeoutsTotal counts entries evicted for waiting too long.
	TimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matchmaker_timeouts_total",
		Help: "Total number of entries evicted after the match timeout",
	})

	// PublishFailuresTotal counts pairings whose publication failed after the
	// participants were already claimed.
	PublishFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matchmaker_publish_failures_total",
		Help: "Total number of claimed pairings that failed to publish",
	})

	// SweepErrorsTotal counts sweeps aborted by a store error.
	SweepErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matchmaker_sweep_errors_total",
		Help: "Total number of sweeps aborted by an error",
	})

	// IntakeRejectedTotal counts enqueue requests refused at intake, labeled
	// by reason: "malformed", "duplicate", "rate_limited" or "store".
	IntakeRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaker_intake_rejected_total",
		Help: "Total number of enqueue requests refused at intake",
	}, []string{"reason"})

	// SweepDuration records how long one sweep takes in seconds.
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "matchmaker_sweep_duration_seconds",
		Help:    "Duration of one matching sweep",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// MatchWait records how long a participant waited before being paired.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "matchmaker_match_wait_seconds",
		Help:    "Time from enqueue to pairing",
		Buckets: []float64{1, 2, 5, 10, 15, 20, 25, 30},
	})
)

func init() {
	prometheus.MustRegister(
		QueueSize,
		MatchesTotal,
		TimeoutsTotal,
		PublishFailuresTotal,
		SweepErrorsTotal,
		IntakeRejectedTotal,
		SweepDuration,
		MatchWait,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
