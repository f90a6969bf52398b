package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// BatchCmd represents the batch command - fanned-out operation management
var BatchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Manage fanned-out batch operations",
	Long: `Inspect and cancel batch operations.

A batch splits a large item set into fixed-size chunks, each executed as an
independently scheduled child job under a parent batch job.

Batch commands:
  datamachine batch list            # List recent batches
  datamachine batch status <id>     # Aggregated child job statuses
  datamachine batch cancel <id>     # Stop scheduling further chunks`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batch operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return runBatchList(limit)
	},
}

var batchStatusCmd = &cobra.Command{
	Use:   "status <batch-id>",
	Short: "Show aggregated batch status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatchStatus(args[0])
	},
}

var batchCancelCmd = &cobra.Command{
	Use:   "cancel <batch-id>",
	Short: "Cancel a batch operation",
	Long: `Cancel a batch operation.

Cancellation is cooperative: no further chunks are scheduled, but chunks
already issued still run to completion.

Example:
  datamachine batch cancel JB_abc123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatchCancel(args[0])
	},
}

func init() {
	batchListCmd.Flags().Int("limit", 20, "Maximum number of batches to display")

	BatchCmd.AddCommand(batchListCmd)
	BatchCmd.AddCommand(batchStatusCmd)
	BatchCmd.AddCommand(batchCancelCmd)
}

func runBatchList(limit int) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	batches, err := e.batches.List(limit)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		fmt.Println("No batches found")
		return nil
	}

	fmt.Printf("%-28s %-22s %-12s %-10s %s\n", "BATCH ID", "TASK TYPE", "SCHEDULED", "STATUS", "STARTED")
	fmt.Printf("%-28s %-22s %-12s %-10s %s\n", "--------", "---------", "---------", "------", "-------")
	for _, b := range batches {
		st := b.Data.Batch
		scheduled := fmt.Sprintf("%d/%d", st.TasksScheduled, st.Total)
		status := string(b.Status)
		if st.Cancelled {
			status = "cancelled"
		}
		fmt.Printf("%-28s %-22s %-12s %-10s %s\n",
			truncate(b.ID, 28),
			truncate(st.TaskType, 22),
			scheduled,
			status,
			st.StartedAt.Format("2006-01-02 15:04"))
	}
	fmt.Printf("\nTotal: %d batch(es)\n", len(batches))
	return nil
}

func runBatchStatus(batchID string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	st, err := e.batches.GetStatus(batchID)
	if err != nil {
		return err
	}

	fmt.Printf("Batch ID: %s\n", st.JobID)
	fmt.Printf("  Task type: %s\n", st.TaskType)
	fmt.Printf("  Items: %d (scheduled %d)\n", st.Total, st.TasksScheduled)
	if st.Cancelled {
		pterm.Warning.Println("  Cancelled: further chunks will not be scheduled")
	}
	fmt.Printf("\nChildren:\n")
	fmt.Printf("  Completed:  %d\n", st.Completed)
	fmt.Printf("  Failed:     %d\n", st.Failed)
	fmt.Printf("  Processing: %d\n", st.Processing)
	fmt.Printf("  Pending:    %d\n", st.Pending)
	fmt.Printf("\nProgress: %.0f%%\n", st.Progress*100)

	fmt.Printf("\nStarted: %s\n", st.StartedAt.Format("2006-01-02 15:04:05"))
	if st.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", st.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runBatchCancel(batchID string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	ok, err := e.batches.Cancel(batchID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s is not a batch job", batchID)
	}
	pterm.Success.Printf("Batch %s cancelled; already-scheduled chunks will still run\n", batchID)
	return nil
}
