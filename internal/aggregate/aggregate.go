// Package aggregate merges the per-iteration simulator outputs of a job into
// one mean/std time series per metric.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// SmoothingLag is the lag of the difference applied to the cumulative case
// series. The simulator samples several time steps per day; the lagged
// difference of the cumulative sum recovers a daily new-case rate.
const SmoothingLag = 4

var (
	// ErrMissingOutput is returned when an expected output file is absent.
	ErrMissingOutput = errors.New("missing simulator output")
	// ErrMalformedOutput is returned when an output file cannot be parsed or
	// its time axis does not line up with the other metrics.
	ErrMalformedOutput = errors.New("malformed simulator output")
)

// Error reports an aggregation failure for a specific file or directory.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("aggregate %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Metric keys of the aggregate result.
const (
	MetricAffected                = "affected"
	MetricCases                   = "cases"
	MetricRecovered               = "recovered"
	MetricFatalities              = "fatalities"
	MetricCumulativePositiveCases = "cumulative_positive_cases"
	MetricPeopleTested            = "people_tested"
)

// source describes where one metric is read from.
type source struct {
	metric string
	file   string
	column string
}

// sources lists every metric with its file and column. Two metrics share
// disease_label_stats.csv.
var sources = []source{
	{MetricAffected, "num_affected.csv", "num_affected"},
	{MetricCases, "num_cases.csv", "num_cases"},
	{MetricFatalities, "num_fatalities.csv", "num_fatalities"},
	{MetricRecovered, "num_recovered.csv", "num_recovered"},
	{MetricCumulativePositiveCases, "disease_label_stats.csv", "cumulative_positive_cases"},
	{MetricPeopleTested, "disease_label_stats.csv", "people_tested"},
}

// OutputFiles returns the distinct file names read from every run directory.
func OutputFiles() []string {
	var files []string
	for _, s := range sources {
		if !slices.Contains(files, s.file) {
			files = append(files, s.file)
		}
	}
	return files
}

// Stats is the per-day mean and standard deviation of one metric.
type Stats struct {
	Mean []float64
	Std  []float64
}

// Summary is the aggregated view of a set of runs.
type Summary struct {
	Iterations int
	Time       []float64
	Metrics    map[string]Stats
}

// Aggregator reads and merges simulator output directories.
type Aggregator struct {
	logger *slog.Logger
}

// New creates an aggregator.
func New(logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Aggregator{logger: logger}
}

// Aggregate reads every run directory in dirs and merges them. Nothing is
// deleted; see Cleanup.
func (a *Aggregator) Aggregate(ctx context.Context, dirs []string) (*Summary, error) {
	if len(dirs) == 0 {
		return nil, &Error{Path: "", Err: fmt.Errorf("%w: no run directories", ErrMissingOutput)}
	}

	stacked := make(map[string][]point, len(sources))
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		run, err := readRun(dir)
		if err != nil {
			return nil, err
		}
		run[MetricCases] = smoothPoints(run[MetricCases], SmoothingLag)
		for metric, pts := range run {
			stacked[metric] = append(stacked[metric], pts...)
		}
	}

	summary := &Summary{
		Iterations: len(dirs),
		Metrics:    make(map[string]Stats, len(sources)),
	}
	for _, s := range sources {
		times, stats := groupByTime(stacked[s.metric])
		if summary.Time == nil {
			summary.Time = times
		} else if !slices.Equal(summary.Time, times) {
			return nil, &Error{
				Path: s.file,
				Err:  fmt.Errorf("%w: time axis of %s does not match %s", ErrMalformedOutput, s.metric, sources[0].metric),
			}
		}
		summary.Metrics[s.metric] = stats
	}

	a.logger.Debug("aggregated runs", "iterations", len(dirs), "days", len(summary.Time))
	return summary, nil
}

// Cleanup removes the given run directories. It must only be called after
// the aggregate of those directories has been persisted.
func (a *Aggregator) Cleanup(dirs []string) error {
	var errs []error
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", dir, err))
			continue
		}
		a.logger.Debug("removed run directory", "dir", dir)
	}
	return errors.Join(errs...)
}

// point is one row of a metric: simulated time and value.
type point struct {
	time  float64
	value float64
}

// readRun reads all metrics of one run directory.
func readRun(dir string) (map[string][]point, error) {
	byFile := make(map[string][]source)
	var order []string
	for _, s := range sources {
		if _, ok := byFile[s.file]; !ok {
			order = append(order, s.file)
		}
		byFile[s.file] = append(byFile[s.file], s)
	}

	run := make(map[string][]point, len(sources))
	for _, file := range order {
		srcs := byFile[file]
		columns := make([]string, len(srcs))
		for i, s := range srcs {
			columns[i] = s.column
		}
		path := filepath.Join(dir, file)
		times, values, err := readTable(path, columns)
		if err != nil {
			return nil, err
		}
		for i, s := range srcs {
			pts := make([]point, len(times))
			for j := range times {
				pts[j] = point{time: times[j], value: values[i][j]}
			}
			run[s.metric] = pts
		}
	}
	return run, nil
}

// smoothPoints orders pts by time and replaces each value with the lagged
// difference of the cumulative sum.
func smoothPoints(pts []point, lag int) []point {
	sorted := slices.Clone(pts)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].time < sorted[j].time })

	values := make([]float64, len(sorted))
	for i, p := range sorted {
		values[i] = p.value
	}
	smoothed := Smooth(values, lag)
	for i := range sorted {
		sorted[i].value = smoothed[i]
	}
	return sorted
}

// Smooth returns the difference with the given lag of the cumulative sum of
// values. Positions with fewer than lag predecessors are differenced against
// zero, so out[i] equals the cumulative sum there.
func Smooth(values []float64, lag int) []float64 {
	cum := floats.CumSum(make([]float64, len(values)), values)
	out := make([]float64, len(values))
	for i := range cum {
		if i >= lag {
			out[i] = cum[i] - cum[i-lag]
		} else {
			out[i] = cum[i]
		}
	}
	return out
}

// groupByTime groups points by time and returns the ascending time axis with
// the mean and standard deviation of each group.
func groupByTime(pts []point) ([]float64, Stats) {
	groups := make(map[float64][]float64)
	for _, p := range pts {
		groups[p.time] = append(groups[p.time], p.value)
	}
	times := make([]float64, 0, len(groups))
	for t := range groups {
		times = append(times, t)
	}
	sort.Float64s(times)

	stats := Stats{
		Mean: make([]float64, len(times)),
		Std:  make([]float64, len(times)),
	}
	for i, t := range times {
		stats.Mean[i], stats.Std[i] = MeanStd(groups[t])
	}
	return times, stats
}

// MeanStd returns the mean and the sample standard deviation (N-1
// denominator) of values. The standard deviation of fewer than two values
// is 0.
func MeanStd(values []float64) (mean, std float64) {
	switch len(values) {
	case 0:
		return 0, 0
	case 1:
		// stat.MeanStdDev yields NaN for a single sample.
		return values[0], 0
	}
	return stat.MeanStdDev(values, nil)
}
