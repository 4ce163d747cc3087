package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/campussim/internal/model"
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campussim_jobs_total",
			Help: "Total number of jobs that reached a terminal state, by state.",
		},
		[]string{"state"},
	)

	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "campussim_job_seconds",
			Help:    "Wall-clock duration of a job's orchestration cycle, in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 18),
		},
	)

	jobsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campussim_jobs_submitted_total",
			Help: "Total number of jobs accepted by Submit.",
		},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(jobDuration)
	prometheus.MustRegister(jobsSubmitted)

	jobsTotal.WithLabelValues(string(model.StateComplete))
	jobsTotal.WithLabelValues(string(model.StateError))
}
