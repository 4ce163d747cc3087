package queue

import "github.com/prometheus/client_golang/prometheus"

// Task outcome label values.
const (
	outcomeEnqueued = "enqueued"
	outcomeRejected = "rejected"
	outcomeDone     = "done"
	outcomeRetried  = "retried"
	outcomeFailed   = "failed"
	outcomeDropped  = "dropped"
)

var tasksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "campussim_queue_tasks_total",
		Help: "Total number of queue task events by lane and outcome.",
	},
	[]string{"lane", "outcome"},
)

func init() {
	prometheus.MustRegister(tasksTotal)
}
