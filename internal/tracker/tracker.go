// Package tracker records the lifecycle of simulation jobs on top of a
// store.Store, rejecting any transition the state machine does not allow.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/seantiz/campussim/internal/model"
	"github.com/seantiz/campussim/internal/store"
)

// maxFailAttempts bounds how often Fail re-reads the state after losing a
// compare-and-set race.
const maxFailAttempts = 5

// ErrTerminal is returned by Fail when the job already reached a terminal
// state.
var ErrTerminal = errors.New("job already in terminal state")

// Tracker validates and persists job state transitions.
type Tracker struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a Tracker backed by s.
func New(s store.Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Tracker{store: s, logger: logger}
}

// State returns the current state of a job.
func (t *Tracker) State(ctx context.Context, id string) (model.JobState, error) {
	j, err := t.store.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	return j.State, nil
}

// Transition moves a job from one state to another. Illegal edges fail with
// store.ErrInvalidTransition without touching the store; a job that is no
// longer in from fails with store.ErrStateConflict.
func (t *Tracker) Transition(ctx context.Context, id string, from, to model.JobState, reason string) error {
	if !model.ValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, from, to)
	}
	if err := t.store.TransitionJob(ctx, id, from, to, reason); err != nil {
		return err
	}
	t.logger.Info("job transition", "job_id", id, "from", from, "to", to)
	return nil
}

// Fail moves a job into the error state from whatever non-terminal state it
// is in. A concurrent transition is retried against the fresh state.
func (t *Tracker) Fail(ctx context.Context, id string, reason string) error {
	var lastErr error
	for range maxFailAttempts {
		from, err := t.State(ctx, id)
		if err != nil {
			return err
		}
		if from.Terminal() {
			return fmt.Errorf("%w: %s", ErrTerminal, from)
		}
		err = t.store.TransitionJob(ctx, id, from, model.StateError, reason)
		if err == nil {
			t.logger.Warn("job failed", "job_id", id, "from", from, "error", reason)
			return nil
		}
		if !errors.Is(err, store.ErrStateConflict) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("fail job %s: %w", id, lastErr)
}

// History returns every recorded transition of a job, oldest first.
func (t *Tracker) History(ctx context.Context, id string) ([]model.Transition, error) {
	if _, err := t.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return t.store.ListTransitions(ctx, id)
}
