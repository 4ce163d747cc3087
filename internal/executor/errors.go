package executor

import (
	"errors"
	"fmt"
)

// Kind classifies why a run failed.
type Kind string

// Failure kinds.
const (
	KindSetup    Kind = "setup"
	KindSpawn    Kind = "spawn"
	KindExit     Kind = "exit"
	KindTimeout  Kind = "timeout"
	KindCanceled Kind = "canceled"
	KindPanic    Kind = "panic"
)

// ErrRunnerPanic wraps a value recovered from a panicking Runner.
var ErrRunnerPanic = errors.New("runner panicked")

// RunError describes the failure of one iteration.
type RunError struct {
	Iteration int
	Kind      Kind
	ExitCode  int
	Err       error
}

func (e *RunError) Error() string {
	if e.Kind == KindExit {
		return fmt.Sprintf("iteration %d: simulator exited with code %d", e.Iteration, e.ExitCode)
	}
	return fmt.Sprintf("iteration %d: %s: %v", e.Iteration, e.Kind, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// KindOf returns the failure kind of err, or "" if err is not a *RunError.
func KindOf(err error) Kind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}
