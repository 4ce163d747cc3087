package model

import "time"

// Result status constants.
const (
	ResultAvailable = "available"
)

// Series is a per-day mean and standard deviation, aligned to
// AggregateResult.Time.
type Series struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// AggregateResult is the merged statistics of all iterations of one job.
// It is written once and never modified.
type AggregateResult struct {
	JobID                   string    `json:"job_id"`
	Intervention            string    `json:"intervention"`
	Iterations              int       `json:"iterations"`
	Time                    []float64 `json:"time"`
	Affected                Series    `json:"affected"`
	Cases                   Series    `json:"cases"`
	Recovered               Series    `json:"recovered"`
	Fatalities              Series    `json:"fatalities"`
	CumulativePositiveCases Series    `json:"cumulative_positive_cases"`
	PeopleTested            Series    `json:"people_tested"`
	Status                  string    `json:"status"`
	CompletedAt             time.Time `json:"completed_at"`
}
