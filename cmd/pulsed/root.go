package main

import (
	"github.com/spf13/cobra"

	"pulsed/internal/config"
)

type globalOptions struct {
	configPath string
}

func (g *globalOptions) path() string {
	if g.configPath != "" {
		return g.configPath
	}
	return config.ConfigPath()
}

func (g *globalOptions) load() (*config.Config, error) {
	return config.Load(g.path())
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "pulsed",
		Short: "Workforce activity agent",
		Long: `pulsed tracks keyboard and mouse activity and the focused application
while you are clocked in, and delivers active and idle segments to the
collector. Segments are queued on disk until the collector accepts them.

Examples:
  # Write a default configuration
  pulsed config init

  # Run the agent in the foreground
  pulsed run

  # Check on a running agent
  pulsed status

  # Show today's totals from the local history
  pulsed report`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SuggestionsMinimumDistance = 2
	cmd.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default: $XDG_CONFIG_HOME/pulsed/config.toml)")

	cmd.AddCommand(
		newRunCmd(g),
		newStatusCmd(g),
		newStopCmd(g),
		newReportCmd(g),
		newQueueCmd(g),
		newConfigCmd(g),
		newVersionCmd(),
	)
	return cmd
}
