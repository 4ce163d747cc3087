package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/seantiz/campussim/internal/aggregate"
	"github.com/seantiz/campussim/internal/runspec"
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Aggregate existing simulator output directories",
	Long: `Aggregate the output directories <prefix>_id_<i> left by earlier
simulator runs, for example those kept after a failed job, and print the
per-day statistics as JSON.

Without --iterations every directory matching <prefix>_id_* is used.

Example:
  campussim aggregate --prefix /data/campus_a/campus_a_masks
  campussim aggregate --prefix /data/campus_a/campus_a_masks --iterations 10 --cleanup`,
	Args: cobra.NoArgs,
	RunE: runAggregate,
}

var (
	aggPrefix     string
	aggIterations int
	aggCleanup    bool
	aggOutput     string
)

func init() {
	rootCmd.AddCommand(aggregateCmd)

	aggregateCmd.Flags().StringVar(&aggPrefix, "prefix", "", "Output prefix shared by the run directories (required)")
	aggregateCmd.Flags().IntVar(&aggIterations, "iterations", 0, "Number of iterations; 0 discovers them")
	aggregateCmd.Flags().BoolVar(&aggCleanup, "cleanup", false, "Remove the run directories after a successful aggregation")
	aggregateCmd.Flags().StringVarP(&aggOutput, "output", "o", "", "Write the result to this file instead of stdout")

	_ = aggregateCmd.MarkFlagRequired("prefix")
}

func runAggregate(cmd *cobra.Command, _ []string) error {
	_, logger, err := loadConfig(stderr)
	if err != nil {
		return err
	}

	dirs := runspec.RunDirs(aggPrefix, aggIterations)
	if aggIterations <= 0 {
		dirs, err = discoverRunDirs(aggPrefix)
		if err != nil {
			return err
		}
	}
	if len(dirs) == 0 {
		return fmt.Errorf("no run directories match %s_id_*", aggPrefix)
	}

	agg := aggregate.New(logger)
	summary, err := agg.Aggregate(cmd.Context(), dirs)
	if err != nil {
		return err
	}

	label := filepath.Base(aggPrefix)
	if err := writeResult(cmd, aggOutput, summary.Result("", label, time.Now().UTC())); err != nil {
		return err
	}

	if aggCleanup {
		return agg.Cleanup(dirs)
	}
	return nil
}

// discoverRunDirs returns the directories named <prefix>_id_<n>, ordered by n.
func discoverRunDirs(prefix string) ([]string, error) {
	parent, base := filepath.Split(prefix)
	if parent == "" {
		parent = "."
	}
	pattern := escapeMeta(base) + "_id_*"

	entries, err := os.ReadDir(parent)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", parent, err)
	}

	type indexed struct {
		n   int
		dir string
	}
	var found []indexed
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		ok, err := doublestar.Match(pattern, e.Name())
		if err != nil {
			return nil, fmt.Errorf("match run dirs: %w", err)
		}
		if !ok {
			continue
		}
		n, err := strconv.Atoi(e.Name()[len(base)+len("_id_"):])
		if err != nil || n < 0 {
			continue
		}
		found = append(found, indexed{n: n, dir: filepath.Join(parent, e.Name())})
	}

	slices.SortFunc(found, func(a, b indexed) int { return a.n - b.n })
	dirs := make([]string, len(found))
	for i, f := range found {
		dirs[i] = f.dir
	}
	return dirs, nil
}

// escapeMeta quotes glob metacharacters in a literal path segment.
func escapeMeta(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`*?[]{}\`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
