package inputs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/campussim/internal/model"
)

func TestStageWritesAllArtifacts(t *testing.T) {
	campus := t.TempDir()
	dir := filepath.Join(t.TempDir(), "job_inputs")
	p := model.Params{
		SimulationName:   "term",
		InterventionName: "masks",
		Intervention:     json.RawMessage(`{"0":{"num_days":10}}`),
		TestingProtocol:  json.RawMessage(`{"test_false_positive":0.0}`),
		InputDir:         campus,
		TransmissionCoefficients: []model.TransmissionCoefficient{
			{Type: 0, Beta: 0.1},
			{Type: 1, Beta: 0.2},
		},
		BetaOverrides: []model.TransmissionCoefficient{{Type: 1, Beta: 0.9}},
	}.WithDefaults()

	require.NoError(t, Stage(p, dir))

	b, err := os.ReadFile(InterventionPath(dir, "masks"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"0":{"num_days":10}}`, string(b))

	b, err = os.ReadFile(TestingProtocolPath(dir))
	require.NoError(t, err)
	assert.JSONEq(t, `{"test_false_positive":0.0}`, string(b))

	b, err = os.ReadFile(filepath.Join(dir, TransmissionCoefficientsFile))
	require.NoError(t, err)
	var coeffs []model.TransmissionCoefficient
	require.NoError(t, json.Unmarshal(b, &coeffs))
	assert.Equal(t, []model.TransmissionCoefficient{{Type: 0, Beta: 0.1}, {Type: 1, Beta: 0.9}}, coeffs)

	b, err = os.ReadFile(filepath.Join(dir, ConfigFile))
	require.NoError(t, err)
	var cfg model.CampusConfig
	require.NoError(t, json.Unmarshal(b, &cfg))
	assert.Equal(t, model.DefaultCampusConfig(), cfg)
}

func TestStageSkipsCoefficientsWhenUnset(t *testing.T) {
	dir := t.TempDir()
	p := model.Params{InterventionName: "none", InputDir: t.TempDir()}

	require.NoError(t, Stage(p, dir))

	_, err := os.Stat(filepath.Join(dir, TransmissionCoefficientsFile))
	assert.True(t, os.IsNotExist(err), "coefficients file should not be written")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp.", "temp file left behind")
	}
}

func TestStageRequiresInputDir(t *testing.T) {
	assert.Error(t, Stage(model.Params{InterventionName: "x"}, t.TempDir()))
	assert.Error(t, Stage(model.Params{InterventionName: "x", InputDir: t.TempDir()}, ""))
}

func TestStageMissingInputDir(t *testing.T) {
	p := model.Params{InterventionName: "x", InputDir: filepath.Join(t.TempDir(), "absent")}
	assert.Error(t, Stage(p, t.TempDir()))
}

func TestStageLinksCampusFiles(t *testing.T) {
	campus := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(campus, "individuals.json"), []byte(`[{"id":1}]`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(campus, ConfigFile), []byte(`{"campus":"shared"}`), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(campus, "old_run_id_0"), 0755))

	dest := filepath.Join(campus, "job_inputs")
	p := model.Params{InterventionName: "masks", InputDir: campus}.WithDefaults()
	require.NoError(t, Stage(p, dest))

	b, err := os.ReadFile(filepath.Join(dest, "individuals.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":1}]`, string(b))

	// The job's config replaces the link without touching the campus file.
	b, err = os.ReadFile(filepath.Join(dest, ConfigFile))
	require.NoError(t, err)
	assert.Contains(t, string(b), "min_group_size")
	b, err = os.ReadFile(filepath.Join(campus, ConfigFile))
	require.NoError(t, err)
	assert.JSONEq(t, `{"campus":"shared"}`, string(b))

	assert.NoDirExists(t, filepath.Join(dest, "old_run_id_0"))

	// Staging again into the same directory succeeds.
	require.NoError(t, Stage(p, dest))
}

func TestStageIsolatesJobs(t *testing.T) {
	campus := t.TempDir()
	coeffs := []model.TransmissionCoefficient{{Type: 0, Beta: 0.1}}
	a := model.Params{
		InterventionName:         "masks",
		InputDir:                 campus,
		TestingProtocol:          json.RawMessage(`{"protocol":"A"}`),
		TransmissionCoefficients: coeffs,
	}
	b := a
	b.TestingProtocol = json.RawMessage(`{"protocol":"B"}`)
	b.BetaOverrides = []model.TransmissionCoefficient{{Type: 0, Beta: 9}}

	destA := filepath.Join(campus, "a_inputs")
	destB := filepath.Join(campus, "b_inputs")
	require.NoError(t, Stage(a, destA))
	require.NoError(t, Stage(b, destB))

	got, err := os.ReadFile(TestingProtocolPath(destA))
	require.NoError(t, err)
	assert.JSONEq(t, `{"protocol":"A"}`, string(got))

	got, err = os.ReadFile(filepath.Join(destA, TransmissionCoefficientsFile))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"type":0,"beta":0.1}]`, string(got))
}

func TestApplyBetaOverridesDoesNotMutateInput(t *testing.T) {
	in := []model.TransmissionCoefficient{{Type: 2, Beta: 1}}
	out := ApplyBetaOverrides(in, []model.TransmissionCoefficient{{Type: 2, Beta: 5}})

	assert.Equal(t, 1.0, in[0].Beta)
	assert.Equal(t, 5.0, out[0].Beta)
}
