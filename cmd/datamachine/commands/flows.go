package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// FlowsCmd represents the flows command - flow and prompt queue management
var FlowsCmd = &cobra.Command{
	Use:   "flows",
	Short: "Manage flows and their prompt queues",
	Long: `Manage flows: scheduled, configured instantiations of pipelines.

Flow commands:
  datamachine flows list                    # List all flows
  datamachine flows run <flow-id>           # Activate a flow now
  datamachine flows webhook <flow-id>       # Enable/disable the webhook trigger
  datamachine flows queue ...               # Manage per-step prompt queues

Prompt queue commands:
  datamachine flows queue add <flow-id> <step-id> <prompt>
  datamachine flows queue list <flow-id> <step-id>
  datamachine flows queue remove <flow-id> <step-id> <index>
  datamachine flows queue update <flow-id> <step-id> <index> <prompt>
  datamachine flows queue move <flow-id> <step-id> <from> <to>
  datamachine flows queue clear <flow-id> <step-id>`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var flowsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List flows",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFlowsList()
	},
}

var flowsRunCmd = &cobra.Command{
	Use:   "run <flow-id>",
	Short: "Activate a flow now",
	Long: `Create a job for the flow and schedule its first step immediately.

Manual activation does not touch the flow's schedule; an interval flow keeps
its next scheduled run.

Example:
  datamachine flows run FL_abc123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFlowsRun(args[0])
	},
}

var flowsWebhookCmd = &cobra.Command{
	Use:   "webhook <flow-id>",
	Short: "Enable or disable the flow's webhook trigger",
	Long: `Enable or disable the flow's webhook trigger.

Enabling issues a bearer token bound 1:1 to the flow; POST /trigger/{flow_id}
with that token activates the flow. Disabling revokes the token.

Examples:
  datamachine flows webhook FL_abc123            # Enable, print token
  datamachine flows webhook FL_abc123 --disable  # Revoke`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		disable, _ := cmd.Flags().GetBool("disable")
		return runFlowsWebhook(args[0], disable)
	},
}

var flowsQueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage per-step prompt queues",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var flowsQueueAddCmd = &cobra.Command{
	Use:   "add <flow-id> <step-id> <prompt>",
	Short: "Append a prompt to a step's queue",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQueueAdd(args[0], args[1], strings.Join(args[2:], " "))
	},
}

var flowsQueueListCmd = &cobra.Command{
	Use:   "list <flow-id> <step-id>",
	Short: "List a step's queued prompts",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQueueList(args[0], args[1])
	},
}

var flowsQueueRemoveCmd = &cobra.Command{
	Use:   "remove <flow-id> <step-id> <index>",
	Short: "Remove the prompt at an index",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := parseIndex(args[2])
		if err != nil {
			return err
		}
		return runQueueRemove(args[0], args[1], index)
	},
}

var flowsQueueUpdateCmd = &cobra.Command{
	Use:   "update <flow-id> <step-id> <index> <prompt>",
	Short: "Replace the prompt at an index",
	Args:  cobra.MinimumNArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := parseIndex(args[2])
		if err != nil {
			return err
		}
		return runQueueUpdate(args[0], args[1], index, strings.Join(args[3:], " "))
	},
}

var flowsQueueMoveCmd = &cobra.Command{
	Use:   "move <flow-id> <step-id> <from> <to>",
	Short: "Move a prompt to another position",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := parseIndex(args[2])
		if err != nil {
			return err
		}
		to, err := parseIndex(args[3])
		if err != nil {
			return err
		}
		return runQueueMove(args[0], args[1], from, to)
	},
}

var flowsQueueClearCmd = &cobra.Command{
	Use:   "clear <flow-id> <step-id>",
	Short: "Remove every prompt from a step's queue",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQueueClear(args[0], args[1])
	},
}

func init() {
	flowsWebhookCmd.Flags().Bool("disable", false, "Revoke the webhook token instead of issuing one")

	flowsQueueCmd.AddCommand(flowsQueueAddCmd)
	flowsQueueCmd.AddCommand(flowsQueueListCmd)
	flowsQueueCmd.AddCommand(flowsQueueRemoveCmd)
	flowsQueueCmd.AddCommand(flowsQueueUpdateCmd)
	flowsQueueCmd.AddCommand(flowsQueueMoveCmd)
	flowsQueueCmd.AddCommand(flowsQueueClearCmd)

	FlowsCmd.AddCommand(flowsListCmd)
	FlowsCmd.AddCommand(flowsRunCmd)
	FlowsCmd.AddCommand(flowsWebhookCmd)
	FlowsCmd.AddCommand(flowsQueueCmd)
}

func parseIndex(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid index %q", s)
	}
	return n, nil
}

func runFlowsList() error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	flows, err := e.flows.ListFlows()
	if err != nil {
		return err
	}
	if len(flows) == 0 {
		fmt.Println("No flows found")
		return nil
	}

	fmt.Printf("%-40s %-20s %-10s %-8s %-8s %s\n", "FLOW ID", "NAME", "SCHEDULE", "ACTIVE", "WEBHOOK", "NEXT RUN")
	fmt.Printf("%-40s %-20s %-10s %-8s %-8s %s\n", "-------", "----", "--------", "------", "-------", "--------")
	for _, f := range flows {
		nextRun := "-"
		if f.NextRunAt != nil {
			nextRun = f.NextRunAt.Format("2006-01-02 15:04")
		}
		fmt.Printf("%-40s %-20s %-10s %-8t %-8t %s\n",
			truncate(f.ID, 40),
			truncate(f.Name, 20),
			f.Schedule,
			f.Active,
			f.WebhookEnabled,
			nextRun)
	}
	fmt.Printf("\nTotal: %d flow(s)\n", len(flows))
	return nil
}

func runFlowsRun(flowID string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	f, err := e.flows.GetFlow(flowID)
	if err != nil {
		return err
	}

	j, err := e.machine.Launch(f)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Flow %s activated as job %s\n", f.ID, j.ID)
	fmt.Println("Run 'datamachine daemon start' if no daemon is processing tasks")
	return nil
}

func runFlowsWebhook(flowID string, disable bool) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	f, err := e.flows.GetFlow(flowID)
	if err != nil {
		return err
	}

	if disable {
		f.DisableWebhook()
		if err := e.flows.UpdateFlow(f); err != nil {
			return err
		}
		pterm.Success.Printf("Webhook trigger disabled for %s\n", f.ID)
		return nil
	}

	token := f.EnableWebhook()
	if err := e.flows.UpdateFlow(f); err != nil {
		return err
	}
	pterm.Success.Printf("Webhook trigger enabled for %s\n", f.ID)
	fmt.Printf("Token: %s\n", token)
	fmt.Printf("Trigger: POST /trigger/%s with 'Authorization: Bearer %s'\n", f.ID, token)
	return nil
}

func runQueueAdd(flowID, stepID, prompt string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.prompts.Add(flowID, stepID, prompt); err != nil {
		return err
	}
	n, err := e.prompts.Len(flowID, stepID)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Prompt queued at position %d for %s/%s\n", n-1, flowID, stepID)
	return nil
}

func runQueueList(flowID, stepID string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	entries, err := e.prompts.List(flowID, stepID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Printf("Queue %s/%s is empty\n", flowID, stepID)
		return nil
	}

	fmt.Printf("%-6s %-20s %s\n", "INDEX", "ADDED", "PROMPT")
	fmt.Printf("%-6s %-20s %s\n", "-----", "-----", "------")
	for i, entry := range entries {
		fmt.Printf("%-6d %-20s %s\n", i, entry.AddedAt.Format("2006-01-02 15:04"), truncate(entry.Prompt, 60))
	}
	fmt.Printf("\nTotal: %d prompt(s)\n", len(entries))
	return nil
}

func runQueueRemove(flowID, stepID string, index int) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.prompts.Remove(flowID, stepID, index); err != nil {
		return err
	}
	pterm.Success.Printf("Removed prompt %d from %s/%s\n", index, flowID, stepID)
	return nil
}

func runQueueUpdate(flowID, stepID string, index int, prompt string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.prompts.Update(flowID, stepID, index, prompt); err != nil {
		return err
	}
	pterm.Success.Printf("Updated prompt %d in %s/%s\n", index, flowID, stepID)
	return nil
}

func runQueueMove(flowID, stepID string, from, to int) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.prompts.Move(flowID, stepID, from, to); err != nil {
		return err
	}
	pterm.Success.Printf("Moved prompt %d to %d in %s/%s\n", from, to, flowID, stepID)
	return nil
}

func runQueueClear(flowID, stepID string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.prompts.Clear(flowID, stepID); err != nil {
		return err
	}
	pterm.Success.Printf("Cleared queue %s/%s\n", flowID, stepID)
	return nil
}
