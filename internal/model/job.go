package model

import (
	"slices"
	"time"
)

// JobState is the lifecycle state of a simulation job.
type JobState string

// Job state constants.
const (
	StateCreated  JobState = "created"
	StateQueued   JobState = "queued"
	StateRunning  JobState = "running"
	StateComplete JobState = "complete"
	StateError    JobState = "error"
)

// States lists every job state in lifecycle order.
var States = []JobState{StateCreated, StateQueued, StateRunning, StateComplete, StateError}

// validTransitions maps each state to the set of states it may transition to.
// Complete and Error have no entry: they are terminal.
var validTransitions = map[JobState]map[JobState]bool{
	StateCreated: {
		StateQueued:  true,
		StateRunning: true,
		StateError:   true,
	},
	StateQueued: {
		StateRunning: true,
		StateError:   true,
	},
	StateRunning: {
		StateComplete: true,
		StateError:    true,
	},
}

// ValidTransition reports whether transitioning from one state to another is allowed.
func ValidTransition(from, to JobState) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether no transition can leave s.
func (s JobState) Terminal() bool {
	return s == StateComplete || s == StateError
}

// Known reports whether s is one of the defined job states.
func (s JobState) Known() bool {
	return slices.Contains(States, s)
}

// Job represents one user-requested simulation: a campus instantiation,
// an intervention and an iteration count.
type Job struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	State        JobState   `json:"state"`
	Params       Params     `json:"params"`
	OutputPrefix string     `json:"output_prefix"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Iterations returns the number of simulator runs requested for the job.
func (j *Job) Iterations() int {
	return j.Params.Iterations
}

// Transition is a recorded job state change.
type Transition struct {
	ID     int64     `json:"id"`
	JobID  string    `json:"job_id"`
	From   JobState  `json:"from"`
	To     JobState  `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}
