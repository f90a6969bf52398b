package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/Extra-Chill/data-machine/config"
	"github.com/Extra-Chill/data-machine/engine/task"
	"github.com/Extra-Chill/data-machine/flow"
	"github.com/Extra-Chill/data-machine/logger"
	"github.com/Extra-Chill/data-machine/server"
)

// DaemonCmd represents the daemon command - the long-running engine process
var DaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the worker, scheduler, and trigger server",
	Long: `Run the Data Machine engine in foreground.

The daemon provides:
- Task worker pool executing due scheduled tasks (steps, chunks, sweeps)
- Flow ticker activating interval and one-time schedules
- Periodic stuck-job recovery sweep
- HTTP server for webhook triggers and gate resumption

Example:
  datamachine daemon start              # Start with configured workers
  datamachine daemon start --workers 4  # Override worker count`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the engine daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, _ := cmd.Flags().GetInt("workers")
		return runDaemonStart(workers)
	},
}

func init() {
	daemonStartCmd.Flags().Int("workers", 0, "Number of concurrent task workers (overrides config)")
	DaemonCmd.AddCommand(daemonStartCmd)
}

// watchConfig hot-reloads config.toml so pacing changes apply without a
// restart. Returns nil when the file does not exist yet.
func watchConfig(e *engine) *config.Watcher {
	dir, err := config.Dir()
	if err != nil {
		return nil
	}
	log := logger.Named("config")
	w, err := config.NewWatcher(filepath.Join(dir, "config.toml"), log)
	if err != nil {
		log.Debugw("Config hot-reload disabled", "error", err)
		return nil
	}
	w.OnReload(func(cfg *config.Config) error {
		e.batches.SetRate(float64(cfg.Engine.SchedulePerSecond))
		log.Infow("Applied reloaded config", "schedule_per_second", cfg.Engine.SchedulePerSecond)
		return nil
	})
	w.Start()
	return w
}

func runDaemonStart(workers int) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	if workers <= 0 {
		workers = e.cfg.Engine.Workers
	}
	runnerCfg := task.DefaultRunnerConfig()
	if workers > 0 {
		runnerCfg.Workers = workers
	}
	if e.cfg.Engine.PollIntervalSeconds > 0 {
		runnerCfg.PollInterval = time.Duration(e.cfg.Engine.PollIntervalSeconds) * time.Second
	}

	fmt.Printf("Starting Data Machine daemon with %d worker(s)...\n", runnerCfg.Workers)

	runner := task.NewRunner(e.dispatcher, runnerCfg, logger.Named("runner"))
	runner.Start()
	defer runner.Stop()

	ticker := flow.NewTicker(e.flows, e.machine, flow.DefaultTickerConfig(), logger.Named("ticker"))
	ticker.Start()
	defer ticker.Stop()

	if err := e.sweeper.Start(); err != nil {
		return err
	}

	if w := watchConfig(e); w != nil {
		defer w.Stop()
	}

	srv := server.New(e.flows, e.machine, e.cfg.Server.Port, logger.Named("server"))
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()
	pterm.Info.Printf("Trigger server listening on :%d\n", e.cfg.Server.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return err
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			shutdownDone <- srv.Shutdown(ctx)
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			pterm.Success.Println("Daemon stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil // unreachable
		}
	}
}
