package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pulsed/internal/store"
)

func newReportCmd(g *globalOptions) *cobra.Command {
	var (
		date   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize a day from the local history",
		Example: `  pulsed report
  pulsed report --date 2025-06-02 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if !cfg.Store.Enabled {
				return errors.New("local history is disabled (store.enabled = false)")
			}

			day := time.Now()
			if date != "" {
				day, err = time.ParseInLocation("2006-01-02", date, time.Local)
				if err != nil {
					return fmt.Errorf("invalid --date %q: want YYYY-MM-DD", date)
				}
			}

			db, err := store.Open(cmd.Context(), cfg.StorePath())
			if err != nil {
				return err
			}
			defer db.Close()

			sum, err := db.Daily(cmd.Context(), day)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(sum)
			}
			printDaily(cmd.OutOrStdout(), sum)
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "day to report, YYYY-MM-DD (default: today)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printDaily(out io.Writer, sum store.DailySummary) {
	fmt.Fprintf(out, "%s\n\n", sum.Date)
	if sum.Segments == 0 {
		fmt.Fprintln(out, "no activity recorded")
		return
	}
	fmt.Fprintf(out, "active      %s (%.0f%%)\n", clockDuration(sum.ActiveSeconds), sum.ActiveRatio()*100)
	fmt.Fprintf(out, "idle        %s\n", clockDuration(sum.IdleSeconds))
	fmt.Fprintf(out, "keystrokes  %s\n", humanize.Comma(sum.Keystrokes))
	fmt.Fprintf(out, "clicks      %s\n", humanize.Comma(sum.MouseClicks))
	fmt.Fprintf(out, "mouse moves %s\n", humanize.Comma(sum.MouseMoves))
	fmt.Fprintf(out, "scrolls     %s\n", humanize.Comma(sum.ScrollEvents))
	fmt.Fprintf(out, "segments    %d\n", sum.Segments)

	if len(sum.TopApps) == 0 {
		return
	}
	fmt.Fprintln(out, "\ntop applications")
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, app := range sum.TopApps {
		name := app.AppName
		if name == "" {
			name = "(unknown)"
		}
		fmt.Fprintf(tw, "  %s\t%s\n", name, clockDuration(app.ActiveSeconds))
	}
	tw.Flush()
}

// clockDuration renders seconds as "3h 05m" or "4m 10s".
func clockDuration(secs float64) string {
	d := time.Duration(secs * float64(time.Second)).Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	if h > 0 {
		return fmt.Sprintf("%dh %02dm", h, m)
	}
	return fmt.Sprintf("%dm %02ds", m, s)
}
