package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/campussim/internal/model"
	"github.com/seantiz/campussim/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one simulation job to completion",
	Long: `Run a simulation job described by a YAML params file in the foreground,
then print the aggregate result as JSON.

The params file holds the job parameters. The intervention and testing
protocol JSON documents are referenced by path, relative to the params file.

Example:
  campussim run -f spring_term.yaml
  campussim run -f spring_term.yaml --output result.json`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runParamsPath string
	runOutput     string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runParamsPath, "file", "f", "", "Path to the job params YAML file (required)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "Write the result to this file instead of stdout")

	_ = runCmd.MarkFlagRequired("file")
}

// paramsFile is the YAML layout accepted by campussim run.
type paramsFile struct {
	Name                string       `yaml:"name"`
	Params              model.Params `yaml:",inline"`
	InterventionFile    string       `yaml:"intervention_file"`
	TestingProtocolFile string       `yaml:"testing_protocol_file"`
}

// loadParamsFile reads a params file and the JSON documents it references.
func loadParamsFile(path string) (string, model.Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", model.Params{}, fmt.Errorf("read params file: %w", err)
	}
	var pf paramsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return "", model.Params{}, fmt.Errorf("parse params file %s: %w", path, err)
	}

	base := filepath.Dir(path)
	resolve := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	if pf.InterventionFile != "" {
		doc, err := os.ReadFile(resolve(pf.InterventionFile))
		if err != nil {
			return "", model.Params{}, fmt.Errorf("read intervention file: %w", err)
		}
		pf.Params.Intervention = json.RawMessage(doc)
	}
	if pf.TestingProtocolFile != "" {
		doc, err := os.ReadFile(resolve(pf.TestingProtocolFile))
		if err != nil {
			return "", model.Params{}, fmt.Errorf("read testing protocol file: %w", err)
		}
		pf.Params.TestingProtocol = json.RawMessage(doc)
	}
	if pf.Params.InputDir != "" {
		pf.Params.InputDir = resolve(pf.Params.InputDir)
	}
	return pf.Name, pf.Params, nil
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, logger, err := loadConfig(stderr)
	if err != nil {
		return err
	}

	name, params, err := loadParamsFile(runParamsPath)
	if err != nil {
		return err
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	eng := newEngine(cfg, db, logger)
	j, err := eng.Create(ctx, name, params)
	if err != nil {
		return err
	}
	if err := eng.Run(ctx, j.ID); err != nil {
		return err
	}

	j, err = db.GetJob(ctx, j.ID)
	if err != nil {
		return err
	}
	if j.State != model.StateComplete {
		return fmt.Errorf("job %s ended in %s: %s", j.ID, j.State, j.Error)
	}

	result, err := db.GetResult(ctx, j.ID)
	if err != nil {
		return fmt.Errorf("load result: %w", err)
	}
	return writeResult(cmd, runOutput, result)
}

// writeResult encodes v as indented JSON to path, or to the command's
// stdout when path is empty.
func writeResult(cmd *cobra.Command, path string, v any) error {
	out := cmd.OutOrStdout()
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		out = f
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
