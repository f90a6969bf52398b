package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/Extra-Chill/data-machine/engine/job"
	"github.com/Extra-Chill/data-machine/engine/recovery"
	"github.com/Extra-Chill/data-machine/errors"
)

// JobsCmd represents the jobs command - job inspection and overrides
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and override jobs",
	Long: `Inspect jobs and apply operator overrides.

Job management commands:
  datamachine jobs list              # List recent jobs
  datamachine jobs show <id>         # Show job details and engine data
  datamachine jobs summary           # Job counts by status
  datamachine jobs fail <id>         # Force a job to failed (override)
  datamachine jobs retry <id>        # Re-run a terminal job as a new job
  datamachine jobs recover-stuck     # Sweep jobs stuck in processing`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Long: `List jobs, newest first, optionally filtered.

Status filters: pending, processing, completed, failed, agent_skipped,
completed_no_items.

Examples:
  datamachine jobs list                      # Most recent jobs
  datamachine jobs list --status failed      # Only failed jobs
  datamachine jobs list --flow FL_abc123     # One flow's jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")
		flowID, _ := cmd.Flags().GetString("flow")
		limit, _ := cmd.Flags().GetInt("limit")
		return runJobsList(statusFilter, flowID, limit)
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show job details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsShow(args[0])
	},
}

var jobsSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show job counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsSummary()
	},
}

var jobsFailCmd = &cobra.Command{
	Use:   "fail <job-id>",
	Short: "Force a job to failed",
	Long: `Force a job to failed regardless of its current status.

This is an operator override: it bypasses the normal one-way status
transitions and is always logged.

Example:
  datamachine jobs fail JB_abc123 --reason "output was wrong"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return runJobsFail(args[0], reason)
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Re-run a terminal job",
	Long: `Re-run a terminal job as a fresh job at the same flow and step.

The original job keeps its status and history; the retry gets a new job id
carrying the same engine data.

Example:
  datamachine jobs retry JB_abc123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsRetry(args[0])
	},
}

var jobsRecoverStuckCmd = &cobra.Command{
	Use:   "recover-stuck",
	Short: "Fail jobs stuck in processing past the timeout",
	Long: `Sweep jobs stuck in processing longer than the recovery timeout.

Stuck jobs are failed; jobs whose engine data preserved a queued prompt are
additionally re-enqueued as fresh jobs so the instruction is not lost.

Examples:
  datamachine jobs recover-stuck --dry-run        # Report only
  datamachine jobs recover-stuck --timeout 12h    # Tighter timeout
  datamachine jobs recover-stuck --flow FL_abc123 # One flow only`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		flowID, _ := cmd.Flags().GetString("flow")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		return runJobsRecoverStuck(dryRun, flowID, timeout)
	},
}

func init() {
	jobsListCmd.Flags().String("status", "", "Filter by status")
	jobsListCmd.Flags().String("flow", "", "Filter by flow id")
	jobsListCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")

	jobsFailCmd.Flags().String("reason", "failed by operator", "Reason recorded in engine data")

	jobsRecoverStuckCmd.Flags().Bool("dry-run", false, "Report candidates without mutating any job")
	jobsRecoverStuckCmd.Flags().String("flow", "", "Limit the sweep to one flow")
	jobsRecoverStuckCmd.Flags().Duration("timeout", 0, "Override the configured stuck timeout (e.g. 12h)")

	JobsCmd.AddCommand(jobsListCmd)
	JobsCmd.AddCommand(jobsShowCmd)
	JobsCmd.AddCommand(jobsSummaryCmd)
	JobsCmd.AddCommand(jobsFailCmd)
	JobsCmd.AddCommand(jobsRetryCmd)
	JobsCmd.AddCommand(jobsRecoverStuckCmd)
}

func runJobsList(statusFilter, flowID string, limit int) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	filter := job.Filter{FlowID: flowID, Limit: limit}
	if statusFilter != "" {
		if !job.IsValidStatus(statusFilter) {
			return errors.Newf("unknown status %q", statusFilter)
		}
		s := job.Status(statusFilter)
		filter.Status = &s
	}

	jobs, err := e.jobs.List(filter)
	if err != nil {
		return errors.Wrap(err, "failed to list jobs")
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-28s %-20s %-6s %-16s %s\n", "JOB ID", "STATUS", "STEP", "FLOW", "CREATED")
	fmt.Printf("%-28s %-20s %-6s %-16s %s\n", "------", "------", "----", "----", "-------")
	for _, j := range jobs {
		fmt.Printf("%-28s %-20s %-6d %-16s %s\n",
			truncate(j.ID, 28),
			j.Status,
			j.CurrentStep,
			truncate(j.FlowID, 16),
			j.CreatedAt.Format("2006-01-02 15:04"))
	}
	fmt.Printf("\nTotal: %d job(s)\n", len(jobs))
	return nil
}

func runJobsShow(jobID string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	j, err := e.jobs.Get(jobID)
	if err != nil {
		return err
	}

	fmt.Printf("Job ID: %s\n", j.ID)
	fmt.Printf("  Status: %s\n", j.Status)
	fmt.Printf("  Flow: %s\n", j.FlowID)
	fmt.Printf("  Pipeline: %s\n", j.PipelineID)
	fmt.Printf("  Current step: %d\n", j.CurrentStep)
	if j.ParentJobID != "" {
		fmt.Printf("  Parent job: %s\n", j.ParentJobID)
	}
	fmt.Printf("\nCreated: %s\n", j.CreatedAt.Format("2006-01-02 15:04:05"))
	if j.StartedAt != nil {
		fmt.Printf("Started: %s\n", j.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if j.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", j.CompletedAt.Format("2006-01-02 15:04:05"))
	}

	if j.Data != nil {
		data, err := json.MarshalIndent(j.Data, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to render engine data")
		}
		fmt.Printf("\nEngine data:\n%s\n", data)
	}
	return nil
}

func runJobsSummary() error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	counts, err := e.jobs.CountByStatus()
	if err != nil {
		return errors.Wrap(err, "failed to count jobs")
	}

	statuses := []job.Status{
		job.StatusPending,
		job.StatusProcessing,
		job.StatusCompleted,
		job.StatusFailed,
		job.StatusAgentSkipped,
		job.StatusCompletedNoItems,
	}
	total := 0
	fmt.Printf("%-20s %s\n", "STATUS", "COUNT")
	fmt.Printf("%-20s %s\n", "------", "-----")
	for _, s := range statuses {
		fmt.Printf("%-20s %d\n", s, counts[s])
		total += counts[s]
	}
	fmt.Printf("\nTotal: %d job(s)\n", total)
	return nil
}

func runJobsFail(jobID, reason string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	j, err := e.machine.OverrideFail(jobID, reason)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Job %s forced to %s\n", j.ID, j.Status)
	return nil
}

func runJobsRetry(jobID string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	retry, err := e.machine.Retry(jobID)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Job %s re-enqueued as %s (step %d)\n", jobID, retry.ID, retry.CurrentStep)
	return nil
}

func runJobsRecoverStuck(dryRun bool, flowID string, timeout time.Duration) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	report, err := e.sweeper.Sweep(recovery.Options{
		Timeout: timeout,
		FlowID:  flowID,
		DryRun:  dryRun,
	})
	if err != nil {
		return err
	}

	if len(report.Candidates) == 0 {
		fmt.Println("No stuck jobs found")
		return nil
	}

	if dryRun {
		pterm.Warning.Printf("Dry run: %d stuck job(s) would be failed\n", len(report.Candidates))
	}
	fmt.Printf("%-28s %-16s %-12s %s\n", "JOB ID", "STUCK FOR", "RETRYABLE", "RETRY JOB")
	fmt.Printf("%-28s %-16s %-12s %s\n", "------", "---------", "---------", "---------")
	for _, c := range report.Candidates {
		fmt.Printf("%-28s %-16s %-12t %s\n",
			truncate(c.Job.ID, 28),
			c.StuckFor.Round(time.Minute),
			c.Retryable,
			c.RetryJobID)
	}
	if !dryRun {
		pterm.Success.Printf("Failed %d stuck job(s), re-enqueued %d\n", report.Failed, report.Retried)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
