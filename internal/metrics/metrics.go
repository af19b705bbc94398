// Package metrics exposes Prometheus instrumentation for the pool.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tidepool"

var (
	// Retargets counts difficulty changes decided by vardiff, by direction (up/down).
	Retargets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "vardiff",
		Name:      "retargets_total",
		Help:      "Difficulty retargets applied to workers.",
	}, []string{"direction"})

	// RetargetChecks counts retarget evaluations, including those that kept the difficulty.
	RetargetChecks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "vardiff",
		Name:      "retarget_checks_total",
		Help:      "Retarget evaluations run.",
	})

	// ApplyFailures counts failed steps while applying a new difficulty.
	ApplyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "vardiff",
		Name:      "apply_failures_total",
		Help:      "Failures while applying a difficulty change, by stage.",
	}, []string{"stage"})

	// TrackedWorkers is the number of workers with live vardiff state.
	TrackedWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "vardiff",
		Name:      "tracked_workers",
		Help:      "Workers with live vardiff state.",
	})

	// NetworkDifficulty is the last network difficulty fetched from the daemon.
	NetworkDifficulty = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "daemon",
		Name:      "network_difficulty",
		Help:      "Last network difficulty fetched from the mining daemon.",
	})

	// NetworkRefreshFailures counts failed network difficulty refreshes.
	NetworkRefreshFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "daemon",
		Name:      "network_difficulty_refresh_failures_total",
		Help:      "Failed network difficulty refreshes.",
	})

	// Submissions counts share submissions handed to vardiff.
	Submissions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stratum",
		Name:      "submissions_total",
		Help:      "Share submissions received from miners.",
	})

	// Sessions is the number of connected stratum sessions.
	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stratum",
		Name:      "sessions",
		Help:      "Connected stratum sessions.",
	})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
