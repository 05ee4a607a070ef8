package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pulsed/internal/daemon"
)

func newStopCmd(g *globalOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running agent",
		Long: `Send SIGTERM to the running agent and wait for it to flush its open
segment and exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			dm := daemon.NewManager(cfg.PIDPath(), cfg.StatePath())
			if !dm.Status(time.Now()).Running {
				fmt.Fprintln(cmd.OutOrStdout(), "pulsed is not running")
				return nil
			}
			if err := dm.SignalStop(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := dm.WaitForStop(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "pulsed stopped")
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the agent to exit")
	return cmd
}
