// Package runspec translates a job's resolved parameters into the list of
// simulator invocations, one per iteration. It performs no I/O.
package runspec

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/seantiz/campussim/internal/inputs"
	"github.com/seantiz/campussim/internal/model"
)

// ErrInvalidConfig is returned when the parameters cannot produce a valid
// invocation list.
var ErrInvalidConfig = errors.New("invalid run configuration")

// seedFlags maps seed policies to the simulator flag selecting them.
var seedFlags = map[model.SeedPolicy]string{
	model.SeedFixed: "--SEED_FIXED_NUMBER",
}

// Builder produces RunSpecs for a fixed simulator binary.
type Builder struct {
	binary string
}

// NewBuilder creates a builder invoking the simulator at binary.
func NewBuilder(binary string) *Builder {
	return &Builder{binary: binary}
}

// OutputPrefix returns the base path of everything one job writes: the
// input directory joined with the simulation name (spaces replaced), the
// intervention name and the job ID. The ID keeps jobs with equal names apart.
func OutputPrefix(p model.Params, jobID string) string {
	name := strings.ReplaceAll(strings.TrimSpace(p.SimulationName), " ", "_")
	return filepath.Join(p.InputDir, name+"_"+p.InterventionName+"_"+jobID)
}

// StageDir returns the job's private input directory under prefix.
func StageDir(prefix string) string {
	return prefix + "_inputs"
}

// RunDir returns the output directory of one iteration.
func RunDir(prefix string, iteration int) string {
	return prefix + "_id_" + strconv.Itoa(iteration)
}

// RunDirs returns the output directories of iterations 0..n-1.
func RunDirs(prefix string, n int) []string {
	dirs := make([]string, n)
	for i := range dirs {
		dirs[i] = RunDir(prefix, i)
	}
	return dirs
}

// Build returns one RunSpec per iteration, ordered by iteration index.
func (b *Builder) Build(p model.Params, outputPrefix string) ([]model.RunSpec, error) {
	if p.Iterations < 1 {
		return nil, fmt.Errorf("%w: iterations must be at least 1, got %d", ErrInvalidConfig, p.Iterations)
	}
	if strings.TrimSpace(p.InputDir) == "" {
		return nil, fmt.Errorf("%w: input directory is not set", ErrInvalidConfig)
	}
	if strings.TrimSpace(b.binary) == "" {
		return nil, fmt.Errorf("%w: simulator binary is not set", ErrInvalidConfig)
	}
	if strings.TrimSpace(outputPrefix) == "" {
		return nil, fmt.Errorf("%w: output prefix is not set", ErrInvalidConfig)
	}
	policy := p.SeedPolicy
	if policy == "" {
		policy = model.SeedFixed
	}
	seedFlag, ok := seedFlags[policy]
	if !ok {
		return nil, fmt.Errorf("%w: unknown seed policy %q", ErrInvalidConfig, policy)
	}

	base := []string{
		seedFlag,
		"--INIT_FIXED_NUMBER_INFECTED", strconv.Itoa(p.InitInfected),
		"--intervention_filename", inputs.InterventionPath(p.InputDir, p.InterventionName),
		"--NUM_DAYS", strconv.Itoa(p.DaysToSimulate),
	}
	if p.EnableTesting {
		base = append(base,
			"--ENABLE_TESTING",
			"--testing_protocol_filename", inputs.TestingProtocolPath(p.InputDir),
		)
	}
	base = append(base, "--input_directory", p.InputDir)

	specs := make([]model.RunSpec, p.Iterations)
	for i := range specs {
		outDir := RunDir(outputPrefix, i)
		args := make([]string, 0, len(base)+2)
		args = append(args, base...)
		args = append(args, "--output_directory", outDir)

		specs[i] = model.RunSpec{
			Iteration: i,
			Binary:    b.binary,
			Args:      args,
			Dir:       p.InputDir,
			OutputDir: outDir,
		}
	}
	return specs, nil
}
