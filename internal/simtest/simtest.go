// Package simtest provides a stand-in for the external simulator binary and
// helpers for writing simulator output directories in tests.
//
// A test package opts in by calling MaybeRun from TestMain and pointing the
// simulator binary at os.Args[0]. When the fake is enabled through the
// environment, the test binary behaves like the simulator instead of running
// tests.
package simtest

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Environment variables understood by the fake simulator.
const (
	EnvFake          = "CAMPUSSIM_FAKE_SIMULATOR"
	EnvFailIteration = "CAMPUSSIM_FAKE_FAIL_ITERATION"
	EnvSleep         = "CAMPUSSIM_FAKE_SLEEP"
	EnvSkipFile      = "CAMPUSSIM_FAKE_SKIP_FILE"
)

// Output file names produced by the simulator.
const (
	AffectedFile   = "num_affected.csv"
	CasesFile      = "num_cases.csv"
	FatalitiesFile = "num_fatalities.csv"
	RecoveredFile  = "num_recovered.csv"
	LabelStatsFile = "disease_label_stats.csv"
)

// Options controls the fake simulator's behaviour.
type Options struct {
	// FailIteration makes the run whose output dir ends in _id_<n> exit 1.
	// Negative disables.
	FailIteration int
	// Sleep delays every run before it writes output.
	Sleep time.Duration
	// SkipFile names an output file the fake does not write.
	SkipFile string
}

// Env returns the environment enabling the fake with opts.
func Env(opts Options) []string {
	env := []string{
		EnvFake + "=1",
		EnvFailIteration + "=" + strconv.Itoa(opts.FailIteration),
	}
	if opts.Sleep > 0 {
		env = append(env, EnvSleep+"="+opts.Sleep.String())
	}
	if opts.SkipFile != "" {
		env = append(env, EnvSkipFile+"="+opts.SkipFile)
	}
	return env
}

// MaybeRun runs the fake simulator and exits if it is enabled in the
// environment. It returns normally otherwise.
func MaybeRun() {
	if os.Getenv(EnvFake) != "1" {
		return
	}
	os.Exit(fakeMain(os.Args[1:]))
}

func fakeMain(args []string) int {
	fs := flag.NewFlagSet("drive_simulator", flag.ContinueOnError)
	fs.Bool("SEED_FIXED_NUMBER", false, "")
	fs.Int("INIT_FIXED_NUMBER_INFECTED", 0, "")
	fs.String("intervention_filename", "", "")
	days := fs.Int("NUM_DAYS", 10, "")
	fs.Bool("ENABLE_TESTING", false, "")
	fs.String("testing_protocol_filename", "", "")
	fs.String("input_directory", "", "")
	outDir := fs.String("output_directory", "", "")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *outDir == "" {
		fmt.Fprintln(os.Stderr, "output_directory is required")
		return 2
	}

	if v := os.Getenv(EnvSleep); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			time.Sleep(d)
		}
	}

	iteration := iterationOf(*outDir)
	if v := os.Getenv(EnvFailIteration); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n == iteration {
			fmt.Fprintf(os.Stderr, "iteration %d: simulated crash\n", iteration)
			return 1
		}
	}

	run := SyntheticRun(*days, iteration)
	if err := writeRun(*outDir, run, os.Getenv(EnvSkipFile)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("simulated %d days into %s\n", *days, *outDir)
	return 0
}

// iterationOf parses the iteration index from a run directory name.
func iterationOf(dir string) int {
	base := filepath.Base(dir)
	idx := strings.LastIndex(base, "_id_")
	if idx < 0 {
		return -1
	}
	n, err := strconv.Atoi(base[idx+len("_id_"):])
	if err != nil {
		return -1
	}
	return n
}

// Run is the content of one simulator output directory. All series are
// aligned to Time.
type Run struct {
	Time                    []float64
	Affected                []float64
	Cases                   []float64
	Fatalities              []float64
	Recovered               []float64
	CumulativePositiveCases []float64
	PeopleTested            []float64
}

// SyntheticRun returns a deterministic run of the given length whose values
// depend on the iteration index.
func SyntheticRun(days, iteration int) Run {
	r := Run{}
	offset := float64(iteration + 1)
	var cumulative float64
	for d := 0; d < days; d++ {
		day := float64(d)
		cases := offset + float64(d%3)
		cumulative += cases
		r.Time = append(r.Time, day)
		r.Affected = append(r.Affected, day*offset)
		r.Cases = append(r.Cases, cases)
		r.Fatalities = append(r.Fatalities, float64(d/10))
		r.Recovered = append(r.Recovered, day*0.5*offset)
		r.CumulativePositiveCases = append(r.CumulativePositiveCases, cumulative)
		r.PeopleTested = append(r.PeopleTested, day*2+offset)
	}
	return r
}

// WriteRun writes r as simulator output files into dir, creating it.
func WriteRun(dir string, r Run) error {
	return writeRun(dir, r, "")
}

func writeRun(dir string, r Run, skip string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	files := []struct {
		name    string
		columns []string
		series  [][]float64
	}{
		{AffectedFile, []string{"num_affected"}, [][]float64{r.Affected}},
		{CasesFile, []string{"num_cases"}, [][]float64{r.Cases}},
		{FatalitiesFile, []string{"num_fatalities"}, [][]float64{r.Fatalities}},
		{RecoveredFile, []string{"num_recovered"}, [][]float64{r.Recovered}},
		{LabelStatsFile, []string{"cumulative_positive_cases", "people_tested"}, [][]float64{r.CumulativePositiveCases, r.PeopleTested}},
	}
	for _, f := range files {
		if f.name == skip {
			continue
		}
		if err := writeCSV(filepath.Join(dir, f.name), r.Time, f.columns, f.series); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(path string, times []float64, columns []string, series [][]float64) error {
	var b strings.Builder
	b.WriteString("Time," + strings.Join(columns, ",") + "\n")
	for i, t := range times {
		b.WriteString(formatFloat(t))
		for _, s := range series {
			b.WriteString(",")
			b.WriteString(formatFloat(s[i]))
		}
		b.WriteString("\n")
	}
	return os.WriteFile(path, []byte(b.String()), 0644)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
