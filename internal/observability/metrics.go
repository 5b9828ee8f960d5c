// Package observability exposes Prometheus metrics for sync runs.
package observability

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"rostersync/internal/model"
)

var (
	syncRunsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rostersync",
		Subsystem: "sync",
		Name:      "runs_total",
		Help:      "Number of per-user sync runs by outcome.",
	}, []string{"outcome"})
	shiftsUpsertedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rostersync",
		Subsystem: "sync",
		Name:      "shifts_upserted_total",
		Help:      "Number of shifts written to the store.",
	}, []string{"provider"})
	feedFailureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rostersync",
		Subsystem: "sync",
		Name:      "feed_failures_total",
		Help:      "Number of feeds that failed, by the stage they failed at.",
	}, []string{"provider", "stage"})
	eventFailureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rostersync",
		Subsystem: "sync",
		Name:      "event_failures_total",
		Help:      "Number of individual events that could not be stored.",
	}, []string{"provider"})
	fetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rostersync",
		Subsystem: "fetch",
		Name:      "duration_seconds",
		Help:      "Time spent downloading one calendar feed.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider"})
	lastSyncGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rostersync",
		Subsystem: "sync",
		Name:      "last_finished_timestamp_seconds",
		Help:      "Unix timestamp of the most recently finished sync run.",
	})
)

func init() {
	prometheus.MustRegister(
		syncRunsCounter,
		shiftsUpsertedCounter,
		feedFailureCounter,
		eventFailureCounter,
		fetchDuration,
		lastSyncGauge,
	)
}

// Sync run outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomePartial   = "partial"
	OutcomeFailed    = "failed"
	OutcomeCanceled  = "canceled"
)

// ObserveFetch records the duration of one feed download.
func ObserveFetch(p model.Provider, d time.Duration) {
	fetchDuration.WithLabelValues(string(p)).Observe(d.Seconds())
}

// RecordFeed records the per-feed counters of one feed result.
func RecordFeed(res model.FeedResult) {
	p := string(res.Provider)
	if res.Succeeded > 0 {
		shiftsUpsertedCounter.WithLabelValues(p).Add(float64(res.Succeeded))
	}
	if n := len(res.Failures); n > 0 {
		eventFailureCounter.WithLabelValues(p).Add(float64(n))
	}
	if res.Failed() {
		feedFailureCounter.WithLabelValues(p, string(res.Stage)).Inc()
	}
}

// RecordSync records the outcome of one SyncUser call.
func RecordSync(report model.SyncReport, err error) {
	syncRunsCounter.WithLabelValues(Outcome(report, err)).Inc()
	if !report.FinishedAt.IsZero() {
		lastSyncGauge.Set(float64(report.FinishedAt.Unix()))
	}
}

// Outcome classifies a sync run for the runs_total label.
func Outcome(report model.SyncReport, err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return OutcomeCanceled
	case err != nil:
		return OutcomeFailed
	case report.FailedFeeds() > 0:
		return OutcomePartial
	}
	for _, f := range report.PerFeed {
		if len(f.Failures) > 0 {
			return OutcomePartial
		}
	}
	return OutcomeSucceeded
}
