package executor

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for run status.
const (
	statusSucceeded = "succeeded"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campussim_simulation_runs_total",
			Help: "Total number of simulator invocations by outcome.",
		},
		[]string{"status"},
	)

	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "campussim_simulation_run_seconds",
			Help:    "Wall-clock duration of a single simulator invocation, in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		},
	)

	activeRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "campussim_simulation_active_runs",
			Help: "Number of simulator processes currently running.",
		},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(activeRuns)

	// Pre-initialize label combinations so they appear in /metrics from startup.
	runsTotal.WithLabelValues(statusSucceeded)
	for _, k := range []Kind{KindSetup, KindSpawn, KindExit, KindTimeout, KindCanceled} {
		runsTotal.WithLabelValues(string(k))
	}
}
