package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pulsed/internal/queue"
)

func newQueueCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the offline segment queue",
	}
	cmd.AddCommand(newQueueInspectCmd(g))
	return cmd
}

func newQueueInspectCmd(g *globalOptions) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List queued segments without modifying the queue",
		Long: `List segments waiting for delivery. The queue file is read without
taking its lock, so this is safe while the agent runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			path := cfg.QueuePath()
			items, nextID, err := queue.ReadFile(path, queue.Format(cfg.Queue.Format))
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			shown := items
			if limit > 0 && len(shown) > limit {
				shown = shown[:limit]
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(shown)
			}

			var size uint64
			if fi, err := os.Stat(path); err == nil {
				size = uint64(fi.Size())
			}
			fmt.Fprintf(out, "%s (%s, %s)\n", path, cfg.Queue.Format, humanize.Bytes(size))
			fmt.Fprintf(out, "%s segments queued, next id %d\n", humanize.Comma(int64(len(items))), nextID)
			if len(items) == 0 {
				return nil
			}
			fmt.Fprintf(out, "oldest from %s\n\n", humanize.Time(items[0].Segment.Start))

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTART\tTYPE\tDURATION\tAPP\tKEYS")
			for _, it := range shown {
				s := it.Segment
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\n",
					it.ID, s.Start.Local().Format(time.DateTime), s.Type,
					s.End.Sub(s.Start).Round(time.Second), s.AppName, s.Keystrokes)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if len(shown) < len(items) {
				fmt.Fprintf(out, "... %d more\n", len(items)-len(shown))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum segments to list (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print queued items as JSON")
	return cmd
}
