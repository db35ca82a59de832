package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/conveyor/internal/engine"
	"github.com/rendis/conveyor/pkg/schema"
)

func newRunCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Aliases: []string{"runs", "r"},
		Short:   "Start and inspect runs",
	}
	cmd.AddCommand(
		newRunStartCmd(c),
		newRunGetCmd(c),
		newRunListCmd(c),
	)
	return cmd
}

func newRunStartCmd(c *cli) *cobra.Command {
	var (
		ver        int
		params     []string
		paramsFile string
		timeout    time.Duration
		output     string
	)
	cmd := &cobra.Command{
		Use:   "start PIPELINE",
		Short: "Run a pipeline in this process and wait for it to finish",
		Long: `Start runs the pipeline in-process and blocks until the run ends.
Runs that suspend on approvals or wait steps need "conveyor serve", since
nothing can resume them once this command exits.`,
		Example: `  conveyor run start etl --param date=2026-01-01 --param dry_run=true
  conveyor run start etl --params-file params.yaml --timeout 10m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := buildParams(paramsFile, params)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return c.withApp(ctx, func(a *app) error {
				run, err := a.svc.RunPipeline(ctx, args[0], engine.RunRequest{
					Params:      p,
					Version:     ver,
					TriggeredBy: "cli",
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "run %s started\n", run.ID)

				waitCtx, cancel := ctx, context.CancelFunc(func() {})
				if timeout > 0 {
					waitCtx, cancel = context.WithTimeout(ctx, timeout)
				}
				defer cancel()

				final, err := a.svc.WaitForRun(waitCtx, run.ID)
				if err != nil {
					if waitCtx.Err() != nil {
						_ = a.svc.CancelRun(context.WithoutCancel(ctx), run.ID)
						return fmt.Errorf("run %s did not finish: %w; cancelled", run.ID, waitCtx.Err())
					}
					return err
				}
				if err := printRunResult(cmd.OutOrStdout(), output, final); err != nil {
					return err
				}
				if final.Status != schema.RunStatusCompleted {
					return fmt.Errorf("run %s %s", final.ID, final.Status)
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.IntVar(&ver, "version", 0, "pipeline version (default latest)")
	f.StringArrayVarP(&params, "param", "p", nil, "run parameter as key=value; values are parsed as YAML scalars")
	f.StringVar(&paramsFile, "params-file", "", "YAML or JSON file with run parameters")
	f.DurationVar(&timeout, "timeout", 0, "cancel the run if it has not finished after this long")
	f.StringVarP(&output, "output", "o", "summary", "output format: summary, json or yaml")
	return cmd
}

// buildParams merges the params file with key=value flags; flags win.
func buildParams(file string, pairs []string) (map[string]any, error) {
	params := make(map[string]any)
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(filepath.Ext(file), ".json") {
			err = json.Unmarshal(data, &params)
		} else {
			err = yaml.Unmarshal(data, &params)
		}
		if err != nil {
			return nil, fmt.Errorf("params file %s: %w", file, err)
		}
	}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, want key=value", pair)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		params[key] = v
	}
	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}

func printRunResult(w io.Writer, format string, run *schema.Run) error {
	switch format {
	case "json", "yaml":
		return printDocument(w, format, run)
	case "summary", "":
		return writeRunSummary(w, run)
	default:
		return fmt.Errorf("unknown output format %q (want summary, json or yaml)", format)
	}
}

func writeRunSummary(w io.Writer, run *schema.Run) error {
	fmt.Fprintf(w, "run %s  %s v%d  %s\n", run.ID, run.PipelineID, run.Version, run.Status)
	if run.Error != nil {
		fmt.Fprintf(w, "error: %s\n", run.Error.Error())
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "STEP\tSTATUS\tATTEMPTS\tERROR")
	for _, id := range sortedStepIDs(run) {
		st := run.Steps[id]
		msg := "-"
		if st.LastError != nil {
			msg = st.LastError.Message
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", id, st.Status, st.Attempts, msg)
	}
	return tw.Flush()
}

func newRunGetCmd(c *cli) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get RUN",
		Short: "Print a run with its step states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				run, err := a.svc.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printRunResult(cmd.OutOrStdout(), output, run)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "summary", "output format: summary, json or yaml")
	return cmd
}

func newRunListCmd(c *cli) *cobra.Command {
	var (
		filter schema.RunFilter
		status string
		output string
	)
	cmd := &cobra.Command{
		Use:   "list [PIPELINE]",
		Short: "List runs, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pipelineID string
			if len(args) == 1 {
				pipelineID = args[0]
			}
			filter.Status = schema.RunStatus(status)
			return c.withApp(cmd.Context(), func(a *app) error {
				page, err := a.svc.ListRuns(cmd.Context(), pipelineID, filter)
				if err != nil {
					return err
				}
				if output == "json" {
					return printJSON(cmd.OutOrStdout(), page)
				}
				return writeRunTable(cmd.OutOrStdout(), page)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&status, "status", "", "only runs in this status")
	f.StringVar(&filter.TriggeredBy, "triggered-by", "", "only runs started by this trigger")
	f.IntVar(&filter.Limit, "limit", 0, "page size")
	f.StringVar(&filter.Cursor, "cursor", "", "continue from a previous page")
	f.StringVarP(&output, "output", "o", "table", "output format: table or json")
	return cmd
}

func writeRunTable(w io.Writer, page *schema.Page[*schema.Run]) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "RUN\tPIPELINE\tVERSION\tSTATUS\tTRIGGERED BY\tSTARTED\tCOMPLETED")
	for _, r := range page.Items {
		by := r.TriggeredBy
		if by == "" {
			by = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			r.ID, r.PipelineID, r.Version, r.Status, by, formatTime(r.StartedAt), formatTime(r.CompletedAt))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if page.NextCursor != "" {
		fmt.Fprintf(w, "\nmore: --cursor %s\n", page.NextCursor)
	}
	return nil
}
