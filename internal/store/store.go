package store

import (
	"context"
	"errors"

	"github.com/seantiz/campussim/internal/model"
)

var (
	// ErrInvalidTransition is returned when a job state transition is not allowed.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrStateConflict is returned when a compare-and-set transition finds the
	// job in a different state than expected.
	ErrStateConflict = errors.New("job state changed concurrently")
	// ErrResultExists is returned when a job already has an aggregate result.
	ErrResultExists = errors.New("aggregate result already exists")
)

// JobStats holds aggregate job statistics.
type JobStats struct {
	Total         int            `json:"total"`
	CountByState  map[string]int `json:"count_by_state"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations of the pipeline.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error)
	// TransitionJob atomically moves a job from one state to another and
	// records the transition. It fails with ErrStateConflict when the job is
	// not currently in from.
	TransitionJob(ctx context.Context, id string, from, to model.JobState, reason string) error
	ListTransitions(ctx context.Context, id string) ([]model.Transition, error)
	SaveResult(ctx context.Context, r *model.AggregateResult) error
	GetResult(ctx context.Context, jobID string) (*model.AggregateResult, error)
	GetJobStats(ctx context.Context) (*JobStats, error)
	// Ping reports whether the database is reachable.
	Ping(ctx context.Context) error
	Close() error
}
