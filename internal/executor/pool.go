package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/campussim/internal/model"
)

// DefaultSize returns the default pool size: available processors minus one
// for orchestration overhead, never less than one.
func DefaultSize() int {
	n := runtime.NumCPU() - 1
	if n < 1 {
		n = 1
	}
	return n
}

// Option configures a Pool.
type Option func(*Pool)

// WithSize sets the maximum number of concurrent invocations. Values below
// one select DefaultSize.
func WithSize(n int) Option {
	return func(p *Pool) {
		if n < 1 {
			n = DefaultSize()
		}
		p.size = n
	}
}

// WithRunTimeout bounds each invocation. Zero disables the bound.
func WithRunTimeout(d time.Duration) Option {
	return func(p *Pool) { p.runTimeout = d }
}

// WithLogger sets the pool's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// Pool runs RunSpecs concurrently with bounded parallelism.
type Pool struct {
	runner     Runner
	size       int
	runTimeout time.Duration
	logger     *slog.Logger
}

// NewPool creates a pool dispatching invocations to r.
func NewPool(r Runner, opts ...Option) *Pool {
	p := &Pool{
		runner: r,
		size:   DefaultSize(),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Size returns the pool's concurrency bound.
func (p *Pool) Size() int {
	return p.size
}

// Execute runs every spec and returns once all of them have terminated.
// The returned slice holds exactly one outcome per spec, in spec order.
// Failures are reported in the outcomes, never as a return value.
func (p *Pool) Execute(ctx context.Context, specs []model.RunSpec) []model.RunOutcome {
	return p.ExecuteObserved(ctx, specs, nil)
}

// ExecuteObserved is Execute with a callback invoked as each run terminates.
// observe is called from the run's goroutine and must be safe for concurrent
// use.
func (p *Pool) ExecuteObserved(ctx context.Context, specs []model.RunSpec, observe func(model.RunOutcome)) []model.RunOutcome {
	outcomes := make([]model.RunOutcome, len(specs))

	var g errgroup.Group
	g.SetLimit(p.size)
	for i, spec := range specs {
		g.Go(func() error {
			// Each goroutine owns outcomes[i]; no locking needed.
			outcomes[i] = p.runOne(ctx, spec)
			if observe != nil {
				p.notify(observe, outcomes[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// runOne prepares the output directory and executes a single spec.
func (p *Pool) runOne(ctx context.Context, spec model.RunSpec) model.RunOutcome {
	out := model.RunOutcome{
		Iteration: spec.Iteration,
		OutputDir: spec.OutputDir,
		ExitCode:  -1,
	}

	if err := ctx.Err(); err != nil {
		out.Err = &RunError{Iteration: spec.Iteration, Kind: KindCanceled, ExitCode: -1, Err: err}
		runsTotal.WithLabelValues(string(KindCanceled)).Inc()
		return out
	}

	if err := os.MkdirAll(spec.OutputDir, 0755); err != nil {
		out.Err = &RunError{
			Iteration: spec.Iteration,
			Kind:      KindSetup,
			ExitCode:  -1,
			Err:       fmt.Errorf("create output dir: %w", err),
		}
		runsTotal.WithLabelValues(string(KindSetup)).Inc()
		p.logger.Error("run setup failed", "iteration", spec.Iteration, "error", err)
		return out
	}

	runCtx := ctx
	if p.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.runTimeout)
		defer cancel()
	}

	p.logger.Debug("run starting", "iteration", spec.Iteration, "output_dir", spec.OutputDir)
	start := time.Now()
	exitCode, err := p.invoke(runCtx, spec)
	out.Duration = time.Since(start)
	runDuration.Observe(out.Duration.Seconds())
	out.ExitCode = exitCode

	switch {
	case err == nil && exitCode == 0:
		runsTotal.WithLabelValues(statusSucceeded).Inc()
		p.logger.Info("run succeeded", "iteration", spec.Iteration, "duration_ms", out.Duration.Milliseconds())
		return out
	case err == nil:
		out.Err = &RunError{Iteration: spec.Iteration, Kind: KindExit, ExitCode: exitCode}
	case errors.Is(err, ErrRunnerPanic):
		out.Err = &RunError{Iteration: spec.Iteration, Kind: KindPanic, ExitCode: exitCode, Err: err}
	case ctx.Err() != nil:
		out.Err = &RunError{Iteration: spec.Iteration, Kind: KindCanceled, ExitCode: exitCode, Err: err}
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		out.Err = &RunError{
			Iteration: spec.Iteration,
			Kind:      KindTimeout,
			ExitCode:  exitCode,
			Err:       fmt.Errorf("run exceeded %s: %w", p.runTimeout, err),
		}
	default:
		out.Err = &RunError{Iteration: spec.Iteration, Kind: KindSpawn, ExitCode: exitCode, Err: err}
	}

	runsTotal.WithLabelValues(string(KindOf(out.Err))).Inc()
	p.logger.Error("run failed", "iteration", spec.Iteration, "error", out.Err)
	return out
}

// invoke calls the runner, converting a panic into an ErrRunnerPanic error
// so it stays confined to this iteration.
func (p *Pool) invoke(ctx context.Context, spec model.RunSpec) (code int, err error) {
	activeRuns.Inc()
	defer activeRuns.Dec()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("runner panicked", "iteration", spec.Iteration, "panic", r, "stack", string(debug.Stack()))
			code, err = -1, fmt.Errorf("%w: %v", ErrRunnerPanic, r)
		}
	}()
	return p.runner.Run(ctx, spec)
}

// notify passes o to observe. A panicking observer is logged and the
// outcome kept.
func (p *Pool) notify(observe func(model.RunOutcome), o model.RunOutcome) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("outcome observer panicked", "iteration", o.Iteration, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	observe(o)
}

// AnyFailed reports whether at least one outcome did not succeed.
func AnyFailed(outcomes []model.RunOutcome) bool {
	for _, o := range outcomes {
		if !o.Succeeded() {
			return true
		}
	}
	return false
}

// Failed returns the outcomes that did not succeed, in iteration order.
func Failed(outcomes []model.RunOutcome) []model.RunOutcome {
	var failed []model.RunOutcome
	for _, o := range outcomes {
		if !o.Succeeded() {
			failed = append(failed, o)
		}
	}
	return failed
}

// FailureSummary joins the errors of all failed outcomes into one error, or
// returns nil when every outcome succeeded.
func FailureSummary(outcomes []model.RunOutcome) error {
	failed := Failed(outcomes)
	if len(failed) == 0 {
		return nil
	}
	errs := make([]error, len(failed))
	for i, o := range failed {
		errs[i] = o.Err
	}
	return fmt.Errorf("%d of %d iterations failed: %w", len(failed), len(outcomes), errors.Join(errs...))
}
