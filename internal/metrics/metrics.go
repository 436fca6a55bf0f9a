// Package metrics defines Prometheus metrics for the inspection server.
//
// Metric naming follows Prometheus conventions:
//   - inspectd_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RunsTotal counts finalised inspection runs by terminal status.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspectd_runs_total",
			Help: "Total number of finalised inspection runs by status.",
		},
		[]string{"status"},
	)

	// ResultsTotal counts completed item results by status.
	ResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inspectd_results_total",
			Help: "Total number of completed inspection results by status.",
		},
		[]string{"status"},
	)

	// RunDurationSeconds is a histogram of run duration from start to finalisation.
	RunDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inspectd_run_duration_seconds",
			Help:    "Duration of inspection runs in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)

	// AgentPullsTotal counts task-pull calls served to agents.
	AgentPullsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inspectd_agent_pulls_total",
			Help: "Total task pull calls served to agents.",
		},
	)

	// LeaseReclaimsTotal counts runs detached from agents by the sweeper.
	LeaseReclaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inspectd_lease_reclaims_total",
			Help: "Total agent runs reclaimed after lease expiry.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RunsTotal,
		ResultsTotal,
		RunDurationSeconds,
		AgentPullsTotal,
		LeaseReclaimsTotal,
	)
}

// RecordRunFinished records metrics for a finalised run.
func RecordRunFinished(status string, duration time.Duration) {
	RunsTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		RunDurationSeconds.Observe(duration.Seconds())
	}
}

// RecordResult records a single completed item result.
func RecordResult(status string) {
	ResultsTotal.WithLabelValues(status).Inc()
}
