package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/seantiz/campussim/internal/model"
)

// Log file names written into each run's output directory.
const (
	StdoutLog = "stdout.log"
	StderrLog = "stderr.log"
)

// Runner executes a single simulator invocation. Implementations must block
// until the invocation terminates and report a non-zero exit through the
// returned exit code, not as a panic.
type Runner interface {
	Run(ctx context.Context, spec model.RunSpec) (exitCode int, err error)
}

// ProcessRunner spawns the simulator binary directly with an explicit
// argument vector; no shell is involved.
type ProcessRunner struct {
	// Env is appended to the parent environment.
	Env []string
}

// NewProcessRunner creates a runner that passes env to every child in
// addition to the parent environment.
func NewProcessRunner(env ...string) *ProcessRunner {
	return &ProcessRunner{Env: env}
}

// Run starts spec.Binary in spec.Dir, redirecting stdout and stderr to log
// files in spec.OutputDir. A non-zero exit is returned as the exit code with
// a nil error; err is non-nil only when the process could not be started or
// waited on.
func (r *ProcessRunner) Run(ctx context.Context, spec model.RunSpec) (int, error) {
	stdoutFile, err := os.Create(filepath.Join(spec.OutputDir, StdoutLog))
	if err != nil {
		return -1, fmt.Errorf("create stdout log: %w", err)
	}
	defer stdoutFile.Close()

	stderrFile, err := os.Create(filepath.Join(spec.OutputDir, StderrLog))
	if err != nil {
		return -1, fmt.Errorf("create stderr log: %w", err)
	}
	defer stderrFile.Close()

	cmd := exec.CommandContext(ctx, spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = append(os.Environ(), r.Env...)

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start simulator: %w", err)
	}

	err = cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("wait simulator: %w", err)
}
