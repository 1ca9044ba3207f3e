// Package metrics defines the Prometheus metrics exposed on /metrics.
//
// Naming follows Prometheus conventions: flowstate_ prefix, _total for
// counters, _seconds for duration histograms.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsEnqueuedTotal counts runs created, by action.
	RunsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowstate_runs_enqueued_total",
			Help: "Total runs enqueued, by action.",
		},
		[]string{"action"},
	)

	// RunsClaimedTotal counts successful claims, by action.
	RunsClaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowstate_runs_claimed_total",
			Help: "Total runs claimed by runners, by action.",
		},
		[]string{"action"},
	)

	// RunsFinishedTotal counts terminal transitions, by action and status.
	RunsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowstate_runs_finished_total",
			Help: "Total runs reaching a terminal status, by action and status.",
		},
		[]string{"action", "status"},
	)

	// RunDurationSeconds is run wall time from claim to terminal status.
	RunDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowstate_run_duration_seconds",
			Help:    "Run duration from claim to terminal status, by action.",
			Buckets: []float64{5, 15, 60, 300, 900, 1800, 3600, 5400},
		},
		[]string{"action"},
	)

	// WatchdogTimeoutsTotal counts runs the server watchdog demoted.
	WatchdogTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowstate_watchdog_timeouts_total",
			Help: "Total runs timed out by the server watchdog.",
		},
	)
)
