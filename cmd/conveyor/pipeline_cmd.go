package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/conveyor/internal/diagram"
	"github.com/rendis/conveyor/internal/service"
	"github.com/rendis/conveyor/pkg/schema"
)

func newPipelineCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "pipeline",
		Aliases: []string{"pipelines", "p"},
		Short:   "Manage pipeline definitions",
	}
	cmd.AddCommand(
		newPipelineApplyCmd(c),
		newPipelineGetCmd(c),
		newPipelineListCmd(c),
		newPipelineDeleteCmd(c),
		newPipelineGraphCmd(c),
	)
	return cmd
}

func newPipelineApplyCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "apply FILE|DIR...",
		Short: "Create or update pipelines from YAML or JSON files",
		Long: `Apply stores each definition as a new version when its content differs
from the latest stored version. Directories are read one level deep.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withApp(ctx, func(a *app) error {
				out := cmd.OutOrStdout()
				var failed int
				for _, arg := range args {
					files := []string{arg}
					if info, err := os.Stat(arg); err != nil {
						return err
					} else if info.IsDir() {
						if files, err = definitionFiles(arg); err != nil {
							return err
						}
					}
					for _, f := range files {
						def, changed, err := applyFile(ctx, f, a.validator, a.svc)
						if err != nil {
							failed++
							fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
							continue
						}
						state := "unchanged"
						if changed {
							state = "applied"
						}
						fmt.Fprintf(out, "pipeline %s v%d %s\n", def.ID, def.Version, state)
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d definition(s) rejected", failed)
				}
				return nil
			})
		},
	}
}

func newPipelineGetCmd(c *cli) *cobra.Command {
	var (
		ver    int
		output string
	)
	cmd := &cobra.Command{
		Use:   "get PIPELINE",
		Short: "Print a pipeline definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				def, err := a.svc.GetPipeline(cmd.Context(), args[0], ver)
				if err != nil {
					return err
				}
				return printDocument(cmd.OutOrStdout(), output, def)
			})
		},
	}
	cmd.Flags().IntVar(&ver, "version", 0, "version to print (default latest)")
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "output format: yaml or json")
	return cmd
}

func newPipelineListCmd(c *cli) *cobra.Command {
	var (
		filter      schema.PipelineFilter
		triggerType string
		output      string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pipelines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.TriggerType = schema.TriggerType(triggerType)
			return c.withApp(cmd.Context(), func(a *app) error {
				page, err := a.svc.ListPipelines(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if output == "json" {
					return printJSON(cmd.OutOrStdout(), page)
				}
				return writePipelineTable(cmd.OutOrStdout(), page)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&filter.Owner, "owner", "", "only pipelines of this owner")
	f.StringVar(&filter.Tag, "tag", "", "only pipelines carrying this tag")
	f.StringVar(&triggerType, "trigger", "", "only pipelines with this trigger type")
	f.IntVar(&filter.Limit, "limit", 0, "page size")
	f.StringVar(&filter.Cursor, "cursor", "", "continue from a previous page")
	f.StringVarP(&output, "output", "o", "table", "output format: table or json")
	return cmd
}

func writePipelineTable(w io.Writer, page *schema.Page[*schema.PipelineDefinition]) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tVERSION\tNAME\tTRIGGER\tSTEPS\tUPDATED")
	for _, p := range page.Items {
		trigger := string(p.Trigger.Type)
		if trigger == "" {
			trigger = "-"
		}
		updated := p.UpdatedAt
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%s\n", p.ID, p.Version, p.Name, trigger, len(p.Steps), formatTime(&updated))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if page.NextCursor != "" {
		fmt.Fprintf(w, "\nmore: --cursor %s\n", page.NextCursor)
	}
	return nil
}

func newPipelineDeleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete PIPELINE",
		Short: "Delete every version of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				if err := a.svc.DeletePipeline(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pipeline %s deleted\n", args[0])
				return nil
			})
		},
	}
}

func newPipelineGraphCmd(c *cli) *cobra.Command {
	var (
		req    service.GraphRequest
		format string
		out    string
	)
	cmd := &cobra.Command{
		Use:   "graph [PIPELINE]",
		Short: "Draw a pipeline, or a run with its step states",
		Example: `  conveyor pipeline graph etl
  conveyor pipeline graph --run 0b6f... --format mermaid
  conveyor pipeline graph etl --format image --out etl.png`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				req.PipelineID = args[0]
			}
			if f := strings.ToLower(format); (f == "image" || f == "png") && out == "" {
				return fmt.Errorf("--format image needs --out")
			}
			return c.withApp(cmd.Context(), func(a *app) error {
				model, err := a.svc.Graph(cmd.Context(), req)
				if err != nil {
					return err
				}
				data, err := renderDiagram(cmd, model, format)
				if err != nil {
					return err
				}
				if out == "" {
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}
				return os.WriteFile(out, data, 0o644)
			})
		},
	}
	f := cmd.Flags()
	f.IntVar(&req.Version, "version", 0, "pipeline version (default latest)")
	f.StringVar(&req.RunID, "run", "", "draw this run's pipeline version with step states")
	f.StringVarP(&format, "format", "f", "ascii", "ascii, mermaid or image (PNG)")
	f.StringVar(&out, "out", "", "write to this file instead of stdout")
	return cmd
}

func renderDiagram(cmd *cobra.Command, model *diagram.DiagramModel, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "ascii", "":
		return []byte(diagram.RenderASCII(model)), nil
	case "mermaid":
		return []byte(diagram.RenderMermaid(model)), nil
	case "image", "png":
		return diagram.RenderImage(cmd.Context(), model)
	default:
		return nil, fmt.Errorf("unknown format %q (want ascii, mermaid or image)", format)
	}
}
