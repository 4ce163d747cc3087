package aggregate

import (
	"time"

	"github.com/seantiz/campussim/internal/model"
)

// Result converts s into the persisted result record of a job.
func (s *Summary) Result(jobID, intervention string, completedAt time.Time) *model.AggregateResult {
	series := func(metric string) model.Series {
		st := s.Metrics[metric]
		return model.Series{Mean: st.Mean, Std: st.Std}
	}
	return &model.AggregateResult{
		JobID:                   jobID,
		Intervention:            intervention,
		Iterations:              s.Iterations,
		Time:                    s.Time,
		Affected:                series(MetricAffected),
		Cases:                   series(MetricCases),
		Recovered:               series(MetricRecovered),
		Fatalities:              series(MetricFatalities),
		CumulativePositiveCases: series(MetricCumulativePositiveCases),
		PeopleTested:            series(MetricPeopleTested),
		Status:                  model.ResultAvailable,
		CompletedAt:             completedAt,
	}
}
