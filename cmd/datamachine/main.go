package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Extra-Chill/data-machine/cmd/datamachine/commands"
	"github.com/Extra-Chill/data-machine/logger"
)

var rootCmd = &cobra.Command{
	Use:   "datamachine",
	Short: "Data Machine - self-scheduling pipeline execution engine",
	Long: `Data Machine - multi-step automation workflows over a durable task queue.

Pipelines are ordered step templates; Flows bind a Pipeline to a schedule
and per-step overrides; every activation becomes a Job advanced one step
per scheduled task.

Available commands:
  jobs      - Inspect and override jobs
  batch     - Manage fanned-out batch operations
  flows     - Manage flows and their prompt queues
  pipelines - Manage pipeline templates
  daemon    - Run the worker, scheduler, and trigger server
  db        - Manage database operations

Examples:
  datamachine jobs summary           # Job counts by status
  datamachine flows run FL_abc123    # Activate a flow now
  datamachine daemon start           # Start the engine in foreground
  datamachine db migrate             # Apply pending migrations`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs, verbose); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs instead of console output")

	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.BatchCmd)
	rootCmd.AddCommand(commands.FlowsCmd)
	rootCmd.AddCommand(commands.PipelinesCmd)
	rootCmd.AddCommand(commands.DaemonCmd)
	rootCmd.AddCommand(commands.DbCmd)
}

func main() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
