package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/campussim/internal/api"
	"github.com/seantiz/campussim/internal/engine"
	"github.com/seantiz/campussim/internal/queue"
	"github.com/seantiz/campussim/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background job queue",
	Long: `Start the HTTP API. Jobs submitted with POST /v1/jobs are queued on the
simulations lane and executed in the background. Jobs left queued or running
by a previous process are re-dispatched at startup.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, logger, err := loadConfig(os.Stdout)
	if err != nil {
		return err
	}
	logger.Info("campussim: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"simulator_binary", cfg.SimulatorBinary,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	eng := newEngine(cfg, db, logger)
	dispatcher, err := queue.NewDispatcher(
		func(ctx context.Context, t queue.Task) error { return eng.Run(ctx, t.ID) },
		logger,
		queue.LaneConfig{
			Name:          engine.SimulationsLane,
			Workers:       cfg.Queue.Workers,
			Buffer:        cfg.Queue.Buffer,
			MaxRetries:    cfg.Queue.MaxRetries,
			RetryBackoff:  cfg.Queue.RetryBackoff,
			RatePerSecond: cfg.Queue.RatePerSecond,
		},
	)
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}
	eng.SetQueue(dispatcher)
	dispatcher.Start(ctx)

	if n, err := eng.Recover(ctx); err != nil {
		logger.Error("job recovery incomplete", "recovered", n, "error", err)
	} else if n > 0 {
		logger.Info("recovered unfinished jobs", "count", n)
	}

	srv := api.NewServer(cfg.ListenAddr, db, eng, logger)
	serveErr := srv.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("queue did not drain before shutdown deadline", "error", err)
	}
	return serveErr
}
