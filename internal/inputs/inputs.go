// Package inputs stages the per-job input directory the simulator reads: the
// campus files of the shared input directory, linked in, plus the job's own
// intervention definition, testing protocol, transmission coefficients and
// campus config.
package inputs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/seantiz/campussim/internal/model"
)

// File names inside the input directory.
const (
	TestingProtocolFile          = "testing_protocol.json"
	TransmissionCoefficientsFile = "transmission_coefficients.json"
	ConfigFile                   = "config.json"
)

// InterventionPath returns the path of the intervention definition for name.
func InterventionPath(dir, name string) string {
	return filepath.Join(dir, name+".json")
}

// TestingProtocolPath returns the path of the testing protocol file.
func TestingProtocolPath(dir string) string {
	return filepath.Join(dir, TestingProtocolFile)
}

// Stage builds the input directory dest for one job. Every regular file of
// p.InputDir is symlinked into dest, then the job's artifacts are written
// over them, so jobs sharing a campus never see each other's inputs. Stage
// may be repeated for the same dest.
func Stage(p model.Params, dest string) error {
	if p.InputDir == "" {
		return fmt.Errorf("stage inputs: input directory is required")
	}
	if dest == "" {
		return fmt.Errorf("stage inputs: destination is required")
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	if err := linkCampus(p.InputDir, dest); err != nil {
		return err
	}

	intervention := p.Intervention
	if len(intervention) == 0 {
		intervention = json.RawMessage(`[]`)
	}
	if err := writeJSON(InterventionPath(dest, p.InterventionName), intervention); err != nil {
		return err
	}

	protocol := p.TestingProtocol
	if len(protocol) == 0 {
		protocol = json.RawMessage(`{}`)
	}
	if err := writeJSON(TestingProtocolPath(dest), protocol); err != nil {
		return err
	}

	if len(p.TransmissionCoefficients) > 0 {
		coeffs := ApplyBetaOverrides(p.TransmissionCoefficients, p.BetaOverrides)
		if err := writeJSON(filepath.Join(dest, TransmissionCoefficientsFile), coeffs); err != nil {
			return err
		}
	}

	if err := writeJSON(filepath.Join(dest, ConfigFile), p.Campus); err != nil {
		return err
	}
	return nil
}

// linkCampus symlinks the regular files of src into dest. Directories, such
// as run outputs and other jobs' staging dirs, are skipped.
func linkCampus(src, dest string) error {
	abs, err := filepath.Abs(src)
	if err != nil {
		return fmt.Errorf("resolve input dir: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return fmt.Errorf("read input dir: %w", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		link := filepath.Join(dest, e.Name())
		if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("replace %s: %w", e.Name(), err)
		}
		if err := os.Symlink(filepath.Join(abs, e.Name()), link); err != nil {
			return fmt.Errorf("link %s: %w", e.Name(), err)
		}
	}
	return nil
}

// ApplyBetaOverrides returns a copy of coeffs where every entry whose type
// matches an override takes the override's beta.
func ApplyBetaOverrides(coeffs, overrides []model.TransmissionCoefficient) []model.TransmissionCoefficient {
	out := make([]model.TransmissionCoefficient, len(coeffs))
	copy(out, coeffs)
	for _, o := range overrides {
		for i := range out {
			if out[i].Type == o.Type {
				out[i].Beta = o.Beta
			}
		}
	}
	return out
}

// writeJSON marshals v to path through a temp file and rename so the
// simulator never observes a partially written file.
func writeJSON(path string, v any) error {
	var b []byte
	var err error
	if raw, ok := v.(json.RawMessage); ok {
		b = raw
	} else {
		b, err = json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
