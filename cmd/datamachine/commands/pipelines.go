package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/Extra-Chill/data-machine/errors"
	"github.com/Extra-Chill/data-machine/flow"
)

// PipelinesCmd represents the pipelines command - template management
var PipelinesCmd = &cobra.Command{
	Use:   "pipelines",
	Short: "Manage pipeline templates",
	Long: `Manage pipeline templates: ordered lists of step definitions.

Pipeline commands:
  datamachine pipelines list                 # List templates
  datamachine pipelines show <id>            # Show step definitions
  datamachine pipelines import <file.yaml>   # Import a template
  datamachine pipelines export <id>          # Export as YAML`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var pipelinesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipelinesList()
	},
}

var pipelinesShowCmd = &cobra.Command{
	Use:   "show <pipeline-id>",
	Short: "Show a pipeline's step definitions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipelinesShow(args[0])
	},
}

var pipelinesImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import a pipeline template from YAML",
	Long: `Import a pipeline template from a YAML file.

The document carries only the template:

  name: rss-to-blog
  steps:
    - id: fetch-feed
      type: fetch
      config:
        url: https://example.com/feed.xml
    - id: summarize
      type: ai
      config:
        queue_enabled: true
    - id: publish-post
      type: publish

Unknown fields are rejected rather than silently dropped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipelinesImport(args[0])
	},
}

var pipelinesExportCmd = &cobra.Command{
	Use:   "export <pipeline-id> [file.yaml]",
	Short: "Export a pipeline template as YAML",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := ""
		if len(args) == 2 {
			out = args[1]
		}
		return runPipelinesExport(args[0], out)
	},
}

func init() {
	PipelinesCmd.AddCommand(pipelinesListCmd)
	PipelinesCmd.AddCommand(pipelinesShowCmd)
	PipelinesCmd.AddCommand(pipelinesImportCmd)
	PipelinesCmd.AddCommand(pipelinesExportCmd)
}

func runPipelinesList() error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	pipelines, err := e.flows.ListPipelines()
	if err != nil {
		return err
	}
	if len(pipelines) == 0 {
		fmt.Println("No pipelines found")
		return nil
	}

	fmt.Printf("%-40s %-24s %-6s %s\n", "PIPELINE ID", "NAME", "STEPS", "CREATED")
	fmt.Printf("%-40s %-24s %-6s %s\n", "-----------", "----", "-----", "-------")
	for _, p := range pipelines {
		fmt.Printf("%-40s %-24s %-6d %s\n",
			truncate(p.ID, 40),
			truncate(p.Name, 24),
			len(p.Steps),
			p.CreatedAt.Format("2006-01-02 15:04"))
	}
	fmt.Printf("\nTotal: %d pipeline(s)\n", len(pipelines))
	return nil
}

func runPipelinesShow(pipelineID string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	p, err := e.flows.GetPipeline(pipelineID)
	if err != nil {
		return err
	}

	fmt.Printf("Pipeline: %s\n", p.ID)
	fmt.Printf("  Name: %s\n\n", p.Name)
	for i, s := range p.Steps {
		fmt.Printf("Step %d: %s (%s)\n", i, s.ID, s.Type)
		if len(s.Config) > 0 {
			cfg, err := json.MarshalIndent(s.Config, "  ", "  ")
			if err != nil {
				return errors.Wrap(err, "failed to render step config")
			}
			fmt.Printf("  %s\n", cfg)
		}
	}
	return nil
}

func runPipelinesImport(path string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	p, err := flow.ImportPipeline(f)
	if err != nil {
		return err
	}
	if err := e.flows.CreatePipeline(p); err != nil {
		return err
	}
	pterm.Success.Printf("Imported pipeline %s (%s, %d steps)\n", p.ID, p.Name, len(p.Steps))
	return nil
}

func runPipelinesExport(pipelineID, outPath string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	p, err := e.flows.GetPipeline(pipelineID)
	if err != nil {
		return err
	}

	if outPath == "" {
		return flow.ExportPipeline(os.Stdout, p)
	}

	f, err := os.Create(outPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", outPath)
	}
	defer f.Close()

	if err := flow.ExportPipeline(f, p); err != nil {
		return err
	}
	pterm.Success.Printf("Exported pipeline %s to %s\n", p.ID, outPath)
	return nil
}
