package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SeedPolicy selects how the simulator places the initial infections.
type SeedPolicy string

// Seed policy constants.
const (
	SeedFixed SeedPolicy = "fixed"
)

// TransmissionCoefficient is the per-interaction-space-type infection rate
// read by the simulator from transmission_coefficients.json.
type TransmissionCoefficient struct {
	Type  int     `json:"type" yaml:"type"`
	Beta  float64 `json:"beta" yaml:"beta"`
	Alpha float64 `json:"alpha,omitempty" yaml:"alpha,omitempty"`
}

// CampusConfig holds the knobs written to config.json in the input directory.
type CampusConfig struct {
	MinGroupSize      int     `json:"min_group_size" yaml:"min_group_size"`
	MaxGroupSize      int     `json:"max_group_size" yaml:"max_group_size"`
	BetaScalingFactor int     `json:"beta_scaling_factor" yaml:"beta_scaling_factor"`
	AvgAssociations   int     `json:"avg_num_assns" yaml:"avg_num_assns"`
	Periodicity       int     `json:"periodicity" yaml:"periodicity"`
	MinimumHostelTime float64 `json:"minimum_hostel_time" yaml:"minimum_hostel_time"`
	TestingCapacity   int     `json:"testing_capacity" yaml:"testing_capacity"`
}

// DefaultCampusConfig returns the campus knobs used when a request leaves
// them unset.
func DefaultCampusConfig() CampusConfig {
	return CampusConfig{
		MinGroupSize:      10,
		MaxGroupSize:      15,
		BetaScalingFactor: 9,
		AvgAssociations:   5,
		Periodicity:       7,
		MinimumHostelTime: 1.0,
		TestingCapacity:   100,
	}
}

// Params is the resolved configuration of a simulation job. It is validated
// once when the job is created and is immutable afterwards.
type Params struct {
	SimulationName   string          `json:"simulation_name" yaml:"simulation_name"`
	InterventionName string          `json:"intervention_name" yaml:"intervention_name"`
	Intervention     json.RawMessage `json:"intervention,omitempty" yaml:"-"`
	Iterations       int             `json:"iterations" yaml:"iterations"`
	DaysToSimulate   int             `json:"days_to_simulate" yaml:"days_to_simulate"`
	InitInfected     int             `json:"init_infected" yaml:"init_infected"`
	SeedPolicy       SeedPolicy      `json:"seed_policy" yaml:"seed_policy"`
	EnableTesting    bool            `json:"enable_testing" yaml:"enable_testing"`
	TestingProtocol  json.RawMessage `json:"testing_protocol,omitempty" yaml:"-"`
	InputDir         string          `json:"input_dir" yaml:"input_dir"`

	TransmissionCoefficients []TransmissionCoefficient `json:"transmission_coefficients,omitempty" yaml:"transmission_coefficients,omitempty"`
	BetaOverrides            []TransmissionCoefficient `json:"beta_overrides,omitempty" yaml:"beta_overrides,omitempty"`

	Campus CampusConfig `json:"campus" yaml:"campus"`
}

// ConfigError reports invalid job parameters. It is returned before any
// simulator process is spawned and is never retried.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid job configuration: " + strings.Join(e.Problems, "; ")
}

// IsConfigError reports whether err is or wraps a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// WithDefaults returns a copy of p with unset optional fields filled in.
func (p Params) WithDefaults() Params {
	if p.SeedPolicy == "" {
		p.SeedPolicy = SeedFixed
	}
	if p.Campus == (CampusConfig{}) {
		p.Campus = DefaultCampusConfig()
	}
	return p
}

// Validate checks p and returns a *ConfigError listing every problem found.
func (p Params) Validate() error {
	var problems []string
	if strings.TrimSpace(p.SimulationName) == "" {
		problems = append(problems, "simulation_name is required")
	}
	if strings.TrimSpace(p.InterventionName) == "" {
		problems = append(problems, "intervention_name is required")
	} else if strings.ContainsAny(p.InterventionName, `/\`) {
		problems = append(problems, "intervention_name must not contain path separators")
	}
	if p.Iterations < 1 {
		problems = append(problems, fmt.Sprintf("iterations must be at least 1, got %d", p.Iterations))
	}
	if p.DaysToSimulate < 1 {
		problems = append(problems, fmt.Sprintf("days_to_simulate must be at least 1, got %d", p.DaysToSimulate))
	}
	if p.InitInfected < 0 {
		problems = append(problems, fmt.Sprintf("init_infected must not be negative, got %d", p.InitInfected))
	}
	if p.SeedPolicy != "" && p.SeedPolicy != SeedFixed {
		problems = append(problems, fmt.Sprintf("unknown seed_policy %q", p.SeedPolicy))
	}
	if strings.TrimSpace(p.InputDir) == "" {
		problems = append(problems, "input_dir is required")
	}
	if len(p.Intervention) > 0 && !json.Valid(p.Intervention) {
		problems = append(problems, "intervention is not valid JSON")
	}
	if len(p.TestingProtocol) > 0 && !json.Valid(p.TestingProtocol) {
		problems = append(problems, "testing_protocol is not valid JSON")
	}
	if p.Campus.MinGroupSize > p.Campus.MaxGroupSize {
		problems = append(problems, "campus.min_group_size exceeds campus.max_group_size")
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}
