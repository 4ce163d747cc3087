// Package cmd implements the campussim command tree.
package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/campussim/internal/config"
	"github.com/seantiz/campussim/internal/engine"
	"github.com/seantiz/campussim/internal/executor"
	"github.com/seantiz/campussim/internal/runspec"
	"github.com/seantiz/campussim/internal/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "campussim",
	Short: "Orchestrate campus epidemic simulation jobs",
	Long: `campussim runs an external campus epidemic simulator many times per
job, aggregates the per-iteration outputs into per-day means and standard
deviations, and tracks every job through its lifecycle.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML config file (CAMPUSSIM_* env vars override it)")
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's
// context, which terminates running simulator processes.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}

// loadConfig loads configuration and builds the logger writing to w.
func loadConfig(w io.Writer) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, config.NewLogger(w, cfg.LogLevel), nil
}

// newEngine wires the store, worker pool and orchestration engine from cfg.
func newEngine(cfg config.Config, db store.Store, logger *slog.Logger) *engine.Engine {
	pool := executor.NewPool(
		executor.NewProcessRunner(),
		executor.WithSize(cfg.PoolSize),
		executor.WithRunTimeout(cfg.RunTimeout),
		executor.WithLogger(logger),
	)
	return engine.NewEngine(db, runspec.NewBuilder(cfg.SimulatorBinary), pool, logger)
}

// stderr is where CLI commands log; stdout carries their results.
var stderr io.Writer = os.Stderr
