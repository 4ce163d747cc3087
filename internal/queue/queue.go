// Package queue dispatches background tasks over named lanes. Each lane has
// its own bounded buffer, worker count, retry budget and optional admission
// rate limit.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMaxBackoff caps the retry delay of a lane that does not set one.
const DefaultMaxBackoff = 30 * time.Second

var (
	// ErrUnknownLane is returned when enqueuing onto a lane that was not configured.
	ErrUnknownLane = errors.New("unknown lane")
	// ErrQueueFull is returned when a lane's buffer has no free slot.
	ErrQueueFull = errors.New("lane buffer full")
	// ErrClosed is returned when enqueuing after Shutdown.
	ErrClosed = errors.New("dispatcher closed")
)

// Task is a unit of background work. ID identifies the subject of the task
// (a job ID for simulation tasks).
type Task struct {
	ID      string
	Lane    string
	Attempt int
}

// Handler processes one task. A non-nil error schedules a retry while the
// lane's retry budget lasts.
type Handler func(ctx context.Context, t Task) error

// LaneConfig configures one named lane.
type LaneConfig struct {
	Name          string
	Workers       int
	Buffer        int
	MaxRetries    int
	RetryBackoff  time.Duration
	MaxBackoff    time.Duration
	RatePerSecond float64 // 0 disables the admission limit
}

type lane struct {
	cfg     LaneConfig
	tasks   chan Task
	limiter *rate.Limiter
}

// Dispatcher owns the lanes and their workers.
type Dispatcher struct {
	handler Handler
	logger  *slog.Logger

	mu     sync.RWMutex
	lanes  map[string]*lane
	closed bool

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given lanes. Lane names must be
// unique and non-empty.
func NewDispatcher(handler Handler, logger *slog.Logger, lanes ...LaneConfig) (*Dispatcher, error) {
	if handler == nil {
		return nil, errors.New("queue: nil handler")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	d := &Dispatcher{
		handler: handler,
		logger:  logger,
		lanes:   make(map[string]*lane, len(lanes)),
	}
	for _, cfg := range lanes {
		if cfg.Name == "" {
			return nil, errors.New("queue: lane name is required")
		}
		if _, dup := d.lanes[cfg.Name]; dup {
			return nil, fmt.Errorf("queue: duplicate lane %q", cfg.Name)
		}
		if cfg.Workers < 1 {
			cfg.Workers = 1
		}
		if cfg.Buffer < 0 {
			cfg.Buffer = 0
		}
		if cfg.MaxBackoff <= 0 {
			cfg.MaxBackoff = DefaultMaxBackoff
		}
		l := &lane{cfg: cfg, tasks: make(chan Task, cfg.Buffer)}
		if cfg.RatePerSecond > 0 {
			l.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
		}
		d.lanes[cfg.Name] = l
	}
	return d, nil
}

// Start launches the workers of every lane. Workers stop when ctx is
// canceled or after Shutdown drains the lanes. Calling Start more than once
// has no effect.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		d.ctx, d.cancel = context.WithCancel(ctx)
		for _, l := range d.lanes {
			for w := range l.cfg.Workers {
				d.wg.Go(func() { d.work(l, w) })
			}
		}
		d.logger.Info("dispatcher started", "lanes", len(d.lanes))
	})
}

// Enqueue hands a task to the named lane without blocking.
func (d *Dispatcher) Enqueue(laneName, id string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}
	l, ok := d.lanes[laneName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownLane, laneName)
	}
	select {
	case l.tasks <- Task{ID: id, Lane: laneName}:
		tasksTotal.WithLabelValues(laneName, outcomeEnqueued).Inc()
		return nil
	default:
		tasksTotal.WithLabelValues(laneName, outcomeRejected).Inc()
		return fmt.Errorf("%w: %q", ErrQueueFull, laneName)
	}
}

// Pending returns the number of buffered tasks on a lane.
func (d *Dispatcher) Pending(laneName string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if l, ok := d.lanes[laneName]; ok {
		return len(l.tasks)
	}
	return 0
}

// Shutdown stops accepting tasks and waits for the workers to drain the
// buffered ones. If ctx expires first, in-flight handlers are canceled and
// ctx.Err() is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, l := range d.lanes {
		close(l.tasks)
	}
	d.mu.Unlock()

	// Start was never called: nothing to drain.
	d.startOnce.Do(func() {})
	if d.cancel == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		d.logger.Info("dispatcher drained")
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) work(l *lane, worker int) {
	log := d.logger.With("lane", l.cfg.Name, "worker", worker)
	for {
		select {
		case <-d.ctx.Done():
			return
		case t, ok := <-l.tasks:
			if !ok {
				return
			}
			d.process(l, t, log)
		}
	}
}

// process runs one task, retrying with exponential backoff on error.
func (d *Dispatcher) process(l *lane, t Task, log *slog.Logger) {
	for {
		if l.limiter != nil {
			if err := l.limiter.Wait(d.ctx); err != nil {
				log.Warn("task dropped at shutdown", "task_id", t.ID, "error", err)
				tasksTotal.WithLabelValues(l.cfg.Name, outcomeDropped).Inc()
				return
			}
		}

		err := d.handle(t)
		if err == nil {
			tasksTotal.WithLabelValues(l.cfg.Name, outcomeDone).Inc()
			return
		}
		if t.Attempt >= l.cfg.MaxRetries {
			log.Error("task failed", "task_id", t.ID, "attempt", t.Attempt, "error", err)
			tasksTotal.WithLabelValues(l.cfg.Name, outcomeFailed).Inc()
			return
		}

		delay := backoff(l.cfg.RetryBackoff, l.cfg.MaxBackoff, t.Attempt)
		log.Warn("task failed, retrying", "task_id", t.ID, "attempt", t.Attempt, "retry_in", delay, "error", err)
		tasksTotal.WithLabelValues(l.cfg.Name, outcomeRetried).Inc()

		select {
		case <-d.ctx.Done():
			tasksTotal.WithLabelValues(l.cfg.Name, outcomeDropped).Inc()
			return
		case <-time.After(delay):
		}
		t.Attempt++
	}
}

// handle invokes the handler, converting a panic into an error.
func (d *Dispatcher) handle(t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return d.handler(d.ctx, t)
}

// backoff returns base * 2^attempt, capped at max.
func backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for range attempt {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return min(delay, max)
}
