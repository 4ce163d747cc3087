package model

import "time"

// RunSpec is one fully resolved invocation of the external simulator.
// RunSpecs are generated fresh for every dispatch and never persisted.
type RunSpec struct {
	Iteration int      `json:"iteration"`
	Binary    string   `json:"binary"`
	Args      []string `json:"args"`
	Dir       string   `json:"dir"`
	OutputDir string   `json:"output_dir"`
}

// RunOutcome is the result of executing one RunSpec.
type RunOutcome struct {
	Iteration int           `json:"iteration"`
	OutputDir string        `json:"output_dir"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// Succeeded reports whether the run exited cleanly. OutputDir is only
// meaningful for successful runs.
func (o RunOutcome) Succeeded() bool {
	return o.Err == nil
}
