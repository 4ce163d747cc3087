package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/seantiz/campussim/internal/model"
	"github.com/seantiz/campussim/internal/runspec"
	"github.com/seantiz/campussim/internal/simtest"
)

func fakeSpecs(t *testing.T, n int) []model.RunSpec {
	t.Helper()
	inputDir := t.TempDir()
	p := model.Params{
		SimulationName:   "fake",
		InterventionName: "none",
		Iterations:       n,
		DaysToSimulate:   6,
		InputDir:         inputDir,
	}
	specs, err := runspec.NewBuilder(os.Args[0]).Build(p, runspec.OutputPrefix(p, model.NewID()))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return specs
}

func TestProcessRunnerJoinAll(t *testing.T) {
	specs := fakeSpecs(t, 5)
	runner := NewProcessRunner(simtest.Env(simtest.Options{FailIteration: 2})...)

	outcomes := NewPool(runner, WithSize(2)).Execute(context.Background(), specs)

	if len(outcomes) != 5 {
		t.Fatalf("len(outcomes) = %d, want 5", len(outcomes))
	}
	var ok, failed int
	for _, o := range outcomes {
		if o.Succeeded() {
			ok++
			if _, err := os.Stat(filepath.Join(o.OutputDir, simtest.AffectedFile)); err != nil {
				t.Errorf("iteration %d missing output: %v", o.Iteration, err)
			}
			continue
		}
		failed++
		if o.Iteration != 2 {
			t.Errorf("iteration %d failed unexpectedly: %v", o.Iteration, o.Err)
		}
		if KindOf(o.Err) != KindExit || o.ExitCode != 1 {
			t.Errorf("failure = %v (exit %d), want exit code 1", o.Err, o.ExitCode)
		}
	}
	if ok != 4 || failed != 1 {
		t.Errorf("succeeded = %d, failed = %d, want 4 and 1", ok, failed)
	}

	stderr, err := os.ReadFile(filepath.Join(specs[2].OutputDir, StderrLog))
	if err != nil {
		t.Fatalf("read stderr log: %v", err)
	}
	if len(stderr) == 0 {
		t.Error("stderr log of failed run is empty")
	}
}

func TestProcessRunnerMissingBinary(t *testing.T) {
	specs := fakeSpecs(t, 1)
	specs[0].Binary = filepath.Join(t.TempDir(), "does-not-exist")

	outcomes := NewPool(NewProcessRunner()).Execute(context.Background(), specs)
	if KindOf(outcomes[0].Err) != KindSpawn {
		t.Errorf("kind = %q, want %q (err %v)", KindOf(outcomes[0].Err), KindSpawn, outcomes[0].Err)
	}
}
