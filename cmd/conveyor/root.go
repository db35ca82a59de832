package main

import (
	"context"

	"github.com/spf13/cobra"
)

// cli carries the configuration resolved before any subcommand runs.
type cli struct {
	configFile string
	cfg        Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "conveyor",
		Short: "Declarative pipeline engine",
		Long: `Conveyor runs pipelines of agent, script, webhook, approval and
control-flow steps defined as YAML or JSON documents.

"conveyor serve" exposes the engine as an MCP server on stdio and binds
schedule, webhook and event triggers. The pipeline and run commands work
against the same database directly.`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&c.configFile, "config", "c", "", "settings file (default $HOME/.conveyor/settings.yaml)")
	pf.String("db-path", "", "database path")
	pf.String("log-level", "", "log level: debug, info, warn, error")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		v := newViper(c.configFile)
		for key, flag := range map[string]string{"db_path": "db-path", "log_level": "log-level"} {
			if err := v.BindPFlag(key, pf.Lookup(flag)); err != nil {
				return err
			}
		}
		cfg, err := loadConfig(v)
		if err != nil {
			return err
		}
		c.cfg = cfg
		return nil
	}

	root.AddCommand(
		newServeCmd(c),
		newPipelineCmd(c),
		newRunCmd(c),
		newVersionCmd(),
	)
	return root
}

// withApp opens the app for one command and closes it afterwards.
func (c *cli) withApp(ctx context.Context, fn func(a *app) error) (err error) {
	a, err := newApp(ctx, c.cfg, appOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(ctx)); err == nil {
			err = cerr
		}
	}()
	return fn(a)
}
