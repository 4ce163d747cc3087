// Package engine drives simulation jobs through their lifecycle. Submit
// validates a job, stages its inputs and hands it to the task queue; Run
// executes one orchestration cycle: fan the iterations out over the worker
// pool, join, aggregate the outputs, persist the result and record the
// terminal state. Progress is published to subscribers through an
// EventBroker.
package engine
