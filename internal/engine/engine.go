package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/seantiz/campussim/internal/aggregate"
	"github.com/seantiz/campussim/internal/executor"
	"github.com/seantiz/campussim/internal/inputs"
	"github.com/seantiz/campussim/internal/model"
	"github.com/seantiz/campussim/internal/runspec"
	"github.com/seantiz/campussim/internal/store"
	"github.com/seantiz/campussim/internal/tracker"
)

// SimulationsLane is the queue lane simulation jobs are dispatched on.
const SimulationsLane = "simulations"

// Enqueuer hands a job to a background queue lane.
type Enqueuer interface {
	Enqueue(lane, id string) error
}

// Engine orchestrates simulation jobs.
type Engine struct {
	store      store.Store
	tracker    *tracker.Tracker
	builder    *runspec.Builder
	pool       *executor.Pool
	aggregator *aggregate.Aggregator
	logger     *slog.Logger
	broker     *EventBroker

	queue Enqueuer
	wg    sync.WaitGroup
}

// NewEngine creates a new orchestration engine.
func NewEngine(s store.Store, b *runspec.Builder, p *executor.Pool, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		store:      s,
		tracker:    tracker.New(s, logger),
		builder:    b,
		pool:       p,
		aggregator: aggregate.New(logger),
		logger:     logger,
		broker:     NewEventBroker(),
	}
}

// SetQueue attaches the queue Submit dispatches to. Without a queue, Submit
// runs each job in a goroutine tracked by Wait.
func (e *Engine) SetQueue(q Enqueuer) {
	e.queue = q
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Tracker returns the engine's job state tracker.
func (e *Engine) Tracker() *tracker.Tracker {
	return e.tracker
}

// Create validates params and persists a new job in the created state.
// Invalid params return a *model.ConfigError and no job is stored. Inputs
// are staged when the job runs, not here.
func (e *Engine) Create(ctx context.Context, name string, params model.Params) (*model.Job, error) {
	params = params.WithDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if name == "" {
		name = params.SimulationName + "/" + params.InterventionName
	}

	now := time.Now().UTC()
	id := model.NewID()
	j := &model.Job{
		ID:           id,
		Name:         name,
		State:        model.StateCreated,
		Params:       params,
		OutputPrefix: runspec.OutputPrefix(params, id),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	e.logger.Info("job created", "job_id", j.ID, "job_name", j.Name, "iterations", params.Iterations)
	return j, nil
}

// Submit creates a job and dispatches it for background execution. The job
// is in the queued state when Submit returns successfully.
func (e *Engine) Submit(ctx context.Context, name string, params model.Params) (*model.Job, error) {
	j, err := e.Create(ctx, name, params)
	if err != nil {
		return j, err
	}

	if err := e.transition(ctx, j, model.StateCreated, model.StateQueued, ""); err != nil {
		e.fail(ctx, j, fmt.Sprintf("queue job: %v", err))
		return j, fmt.Errorf("queue job: %w", err)
	}
	j.State = model.StateQueued
	jobsSubmitted.Inc()

	if e.queue == nil {
		e.wg.Go(func() {
			if err := e.Run(context.Background(), j.ID); err != nil {
				e.logger.Error("job run failed", "job_id", j.ID, "job_name", j.Name, "error", err)
			}
		})
		return j, nil
	}

	if err := e.queue.Enqueue(SimulationsLane, j.ID); err != nil {
		e.fail(ctx, j, fmt.Sprintf("enqueue job: %v", err))
		j.State = model.StateError
		return j, fmt.Errorf("enqueue job: %w", err)
	}
	return j, nil
}

// recoverPageSize is the page size used when scanning jobs at startup.
const recoverPageSize = 100

// Recover re-dispatches jobs a previous process left queued or running.
// Running jobs are executed again from scratch. It returns the number of
// jobs handed to the queue.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if e.queue == nil {
		return 0, errors.New("recover: no queue attached")
	}
	var pending []*model.Job
	for offset := 0; ; offset += recoverPageSize {
		jobs, total, err := e.store.ListJobs(ctx, recoverPageSize, offset)
		if err != nil {
			return 0, fmt.Errorf("recover: list jobs: %w", err)
		}
		for _, j := range jobs {
			if j.State == model.StateQueued || j.State == model.StateRunning {
				pending = append(pending, j)
			}
		}
		if offset+recoverPageSize >= total {
			break
		}
	}

	// Oldest first, matching original submission order.
	var n int
	for i := len(pending) - 1; i >= 0; i-- {
		j := pending[i]
		if err := e.queue.Enqueue(SimulationsLane, j.ID); err != nil {
			return n, fmt.Errorf("recover job %s: %w", j.ID, err)
		}
		e.logger.Info("job recovered", "job_id", j.ID, "job_name", j.Name, "state", j.State)
		n++
	}
	return n, nil
}

// Wait blocks until all jobs started by Submit without a queue complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Run executes one orchestration cycle for a job. Failures of the job itself
// end in the error state and are not returned; Run returns an error only when
// the job cannot be loaded or its terminal state cannot be recorded, so the
// caller may retry. Jobs already in a terminal state are left untouched.
func (e *Engine) Run(ctx context.Context, jobID string) (err error) {
	j, err := e.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("run requested for unknown job", "job_id", jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if j.State.Terminal() {
		e.logger.Info("job already finished, skipping", "job_id", j.ID, "job_name", j.Name, "state", j.State)
		return nil
	}

	log := e.logger.With("job_id", j.ID, "job_name", j.Name)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", "panic", r, "stack", string(debug.Stack()))
			err = e.fail(ctx, j, fmt.Sprintf("internal error: %v", r))
		}
	}()

	// A result saved by an earlier attempt whose completion was not recorded
	// needs no new simulator runs.
	if _, err := e.store.GetResult(ctx, j.ID); err == nil {
		log.Info("result already saved, completing job")
		return e.complete(ctx, j, log, start)
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("check result of job %s: %w", j.ID, err)
	}

	// The simulator reads the job's private copy of the campus inputs.
	staged := j.Params
	staged.InputDir = runspec.StageDir(j.OutputPrefix)
	specs, err := e.builder.Build(staged, j.OutputPrefix)
	if err != nil {
		return e.fail(ctx, j, err.Error())
	}

	if err := e.start(ctx, j, log); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return nil
		}
		return e.fail(ctx, j, fmt.Sprintf("start job: %v", err))
	}

	if err := inputs.Stage(j.Params, staged.InputDir); err != nil {
		return e.fail(ctx, j, fmt.Sprintf("stage inputs: %v", err))
	}

	log.Info("dispatching iterations", "iterations", len(specs), "pool_size", e.pool.Size())
	outcomes := e.pool.ExecuteObserved(ctx, specs, func(o model.RunOutcome) {
		ev := Event{JobID: j.ID, Type: EventRun, Iteration: &o.Iteration, At: time.Now().UTC()}
		if o.Err != nil {
			ev.Message = o.Err.Error()
		}
		e.broker.Publish(ev)
	})

	if ferr := executor.FailureSummary(outcomes); ferr != nil {
		// Raw output directories are kept for inspection.
		return e.fail(ctx, j, ferr.Error())
	}

	dirs := runspec.RunDirs(j.OutputPrefix, len(specs))
	summary, err := e.aggregator.Aggregate(ctx, dirs)
	if err != nil {
		return e.fail(ctx, j, fmt.Sprintf("aggregate: %v", err))
	}

	result := summary.Result(j.ID, j.Params.InterventionName, time.Now().UTC())
	if err := e.store.SaveResult(context.WithoutCancel(ctx), result); err != nil && !errors.Is(err, store.ErrResultExists) {
		return e.fail(ctx, j, fmt.Sprintf("save result: %v", err))
	}
	return e.complete(ctx, j, log, start)
}

// start moves a job to running unless it already is. ErrStateConflict means
// another worker claimed the job.
func (e *Engine) start(ctx context.Context, j *model.Job, log *slog.Logger) error {
	if j.State == model.StateRunning {
		return nil
	}
	if err := e.transition(ctx, j, j.State, model.StateRunning, ""); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			log.Warn("job claimed elsewhere, skipping", "error", err)
		}
		return err
	}
	j.State = model.StateRunning
	return nil
}

// complete records a job whose result is saved as complete and removes its
// run and staging directories.
func (e *Engine) complete(ctx context.Context, j *model.Job, log *slog.Logger, start time.Time) error {
	if err := e.start(ctx, j, log); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return nil
		}
		return fmt.Errorf("record start of job %s: %w", j.ID, err)
	}
	if err := e.transition(ctx, j, model.StateRunning, model.StateComplete, ""); err != nil {
		return fmt.Errorf("record completion of job %s: %w", j.ID, err)
	}
	e.finish(j, start)

	dirs := append(runspec.RunDirs(j.OutputPrefix, j.Params.Iterations), runspec.StageDir(j.OutputPrefix))
	if err := e.aggregator.Cleanup(dirs); err != nil {
		log.Warn("cleanup of job directories failed", "error", err)
	}
	log.Info("job complete", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// transition records a state change and publishes it. The store write is not
// canceled with ctx so shutdown cannot leave a job half-recorded.
func (e *Engine) transition(ctx context.Context, j *model.Job, from, to model.JobState, reason string) error {
	if err := e.tracker.Transition(context.WithoutCancel(ctx), j.ID, from, to, reason); err != nil {
		return err
	}
	e.broker.Publish(Event{JobID: j.ID, Type: EventState, State: to, Message: reason, At: time.Now().UTC()})
	return nil
}

// fail moves a job to the error state. It returns an error only if that
// state could not be recorded.
func (e *Engine) fail(ctx context.Context, j *model.Job, reason string) error {
	log := e.logger.With("job_id", j.ID, "job_name", j.Name)
	log.Error("job failed", "error", reason)

	err := e.tracker.Fail(context.WithoutCancel(ctx), j.ID, reason)
	if errors.Is(err, tracker.ErrTerminal) {
		e.broker.Close(j.ID)
		return nil
	}
	if err != nil {
		log.Error("failed to record job failure", "error", err)
		return fmt.Errorf("record failure of job %s: %w", j.ID, err)
	}

	e.broker.Publish(Event{JobID: j.ID, Type: EventState, State: model.StateError, Message: reason, At: time.Now().UTC()})
	jobsTotal.WithLabelValues(string(model.StateError)).Inc()
	e.broker.Close(j.ID)
	return nil
}

// finish records metrics for a completed job and closes its event stream.
func (e *Engine) finish(j *model.Job, start time.Time) {
	jobsTotal.WithLabelValues(string(model.StateComplete)).Inc()
	jobDuration.Observe(time.Since(start).Seconds())
	e.broker.Close(j.ID)
}
