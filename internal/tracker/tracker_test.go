package tracker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/seantiz/campussim/internal/model"
	"github.com/seantiz/campussim/internal/store"
	"github.com/seantiz/campussim/internal/tracker"
)

func newTracker(t *testing.T) (*tracker.Tracker, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return tracker.New(s, nil), s
}

func createJob(t *testing.T, s store.Store) string {
	t.Helper()
	now := time.Now().UTC()
	j := &model.Job{
		ID:        model.NewID(),
		Name:      "tracked",
		State:     model.StateCreated,
		Params:    model.Params{SimulationName: "s", InterventionName: "i", Iterations: 1, DaysToSimulate: 1, InputDir: "/in"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateJob(context.Background(), j))
	return j.ID
}

func TestTransitionHappyPath(t *testing.T) {
	tr, s := newTracker(t)
	ctx := context.Background()
	id := createJob(t, s)

	require.NoError(t, tr.Transition(ctx, id, model.StateCreated, model.StateQueued, ""))
	require.NoError(t, tr.Transition(ctx, id, model.StateQueued, model.StateRunning, ""))
	require.NoError(t, tr.Transition(ctx, id, model.StateRunning, model.StateComplete, ""))

	state, err := tr.State(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StateComplete, state)
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	tr, s := newTracker(t)
	ctx := context.Background()
	id := createJob(t, s)

	err := tr.Transition(ctx, id, model.StateCreated, model.StateComplete, "")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	history, err := tr.History(ctx, id)
	require.NoError(t, err)
	assert.Len(t, history, 1, "rejected transition must not be recorded")
}

func TestTransitionStaleSource(t *testing.T) {
	tr, s := newTracker(t)
	ctx := context.Background()
	id := createJob(t, s)

	require.NoError(t, tr.Transition(ctx, id, model.StateCreated, model.StateRunning, ""))
	err := tr.Transition(ctx, id, model.StateCreated, model.StateQueued, "")
	assert.ErrorIs(t, err, store.ErrStateConflict)
}

func TestFailFromAnyNonTerminalState(t *testing.T) {
	for _, path := range [][]model.JobState{
		{},
		{model.StateQueued},
		{model.StateQueued, model.StateRunning},
		{model.StateRunning},
	} {
		tr, s := newTracker(t)
		ctx := context.Background()
		id := createJob(t, s)

		from := model.StateCreated
		for _, to := range path {
			require.NoError(t, tr.Transition(ctx, id, from, to, ""))
			from = to
		}

		require.NoError(t, tr.Fail(ctx, id, "boom"))

		j, err := s.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StateError, j.State)
		assert.Equal(t, "boom", j.Error)
	}
}

func TestFailTerminalJob(t *testing.T) {
	tr, s := newTracker(t)
	ctx := context.Background()
	id := createJob(t, s)

	require.NoError(t, tr.Transition(ctx, id, model.StateCreated, model.StateRunning, ""))
	require.NoError(t, tr.Transition(ctx, id, model.StateRunning, model.StateComplete, ""))

	err := tr.Fail(ctx, id, "late failure")
	assert.ErrorIs(t, err, tracker.ErrTerminal)

	state, err := tr.State(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StateComplete, state, "terminal state must not change")
}

func TestFailUnknownJob(t *testing.T) {
	tr, _ := newTracker(t)
	err := tr.Fail(context.Background(), "missing", "boom")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHistoryRecordsEveryTransition(t *testing.T) {
	tr, s := newTracker(t)
	ctx := context.Background()
	id := createJob(t, s)

	require.NoError(t, tr.Transition(ctx, id, model.StateCreated, model.StateQueued, ""))
	require.NoError(t, tr.Fail(ctx, id, "iteration 0 exited 2"))

	history, err := tr.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, model.StateCreated, history[0].To)
	assert.Equal(t, model.StateQueued, history[1].To)
	assert.Equal(t, model.StateError, history[2].To)
	assert.Equal(t, "iteration 0 exited 2", history[2].Reason)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].At.Before(history[i-1].At), "timestamps must be non-decreasing")
	}
}

func TestHistoryUnknownJob(t *testing.T) {
	tr, _ := newTracker(t)
	_, err := tr.History(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// Random sequences of attempted transitions must only ever follow legal
// edges, and nothing may leave a terminal state.
func TestTransitionsStayLegal(t *testing.T) {
	tr, s := newTracker(t)
	states := []model.JobState{
		model.StateCreated, model.StateQueued, model.StateRunning,
		model.StateComplete, model.StateError,
	}

	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		id := createJob(t, s)

		attempts := rapid.SliceOfN(rapid.SampledFrom(states), 1, 12).Draw(rt, "attempts")
		for _, to := range attempts {
			from, err := tr.State(ctx, id)
			if err != nil {
				rt.Fatalf("State: %v", err)
			}
			err = tr.Transition(ctx, id, from, to, "")
			if model.ValidTransition(from, to) != (err == nil) {
				rt.Fatalf("Transition(%s -> %s) err = %v", from, to, err)
			}
		}

		history, err := tr.History(ctx, id)
		if err != nil {
			rt.Fatalf("History: %v", err)
		}
		for i := 1; i < len(history); i++ {
			if history[i].From != history[i-1].To {
				rt.Fatalf("history gap at %d: %s then %s", i, history[i-1].To, history[i].From)
			}
			if !model.ValidTransition(history[i].From, history[i].To) {
				rt.Fatalf("illegal recorded edge %s -> %s", history[i].From, history[i].To)
			}
		}
	})
}
