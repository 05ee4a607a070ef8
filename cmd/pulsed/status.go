package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pulsed/internal/agent"
	"pulsed/internal/config"
	"pulsed/internal/daemon"
	"pulsed/internal/health"
	"pulsed/internal/queue"
)

func newStatusCmd(g *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the agent is running and what it is doing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			return showStatus(cmd.Context(), cmd.OutOrStdout(), cfg, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the agent's /v1/status document")
	return cmd
}

func showStatus(ctx context.Context, out io.Writer, cfg *config.Config, asJSON bool) error {
	st := daemon.NewManager(cfg.PIDPath(), cfg.StatePath()).Status(time.Now())

	if !st.Running {
		if st.Stale {
			fmt.Fprintf(out, "pulsed is not running (stale pid file for %d)\n", st.PID)
		} else {
			fmt.Fprintln(out, "pulsed is not running")
		}
		return printQueueFile(out, cfg)
	}

	fmt.Fprintf(out, "pulsed is running (pid %d, started %s)\n", st.PID, humanize.Time(st.StartedAt))
	if st.State == nil || st.State.StatusListen == "" {
		fmt.Fprintln(out, "status server disabled")
		return printQueueFile(out, cfg)
	}

	body, err := fetchStatus(ctx, st.State.StatusListen)
	if err != nil {
		return fmt.Errorf("query running agent: %w", err)
	}
	if asJSON {
		_, err := out.Write(body)
		return err
	}

	var as agent.Status
	if err := json.Unmarshal(body, &as); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	printAgentStatus(out, as)
	report, err := fetchHealth(ctx, st.State.StatusListen)
	printHealth(out, report, err)
	return nil
}

func fetchStatus(ctx context.Context, listen string) ([]byte, error) {
	body, code, err := get(ctx, "http://"+listen+"/v1/status")
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %d", code)
	}
	return body, nil
}

// fetchHealth reads the readiness report. A 503 still carries a report.
func fetchHealth(ctx context.Context, listen string) (health.Report, error) {
	var report health.Report
	body, code, err := get(ctx, "http://"+listen+"/readyz")
	if err != nil {
		return report, err
	}
	if code != http.StatusOK && code != http.StatusServiceUnavailable {
		return report, fmt.Errorf("readiness endpoint returned %d", code)
	}
	if err := json.Unmarshal(body, &report); err != nil {
		return report, fmt.Errorf("decode health report: %w", err)
	}
	return report, nil
}

func get(ctx context.Context, url string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return body, resp.StatusCode, err
}

func printHealth(out io.Writer, report health.Report, err error) {
	switch {
	case err != nil:
		fmt.Fprintf(out, "health:        unavailable (%v)\n", err)
	case !report.Ready:
		fmt.Fprintln(out, "health:        starting or stopping")
	case len(report.Failing) > 0:
		fmt.Fprintf(out, "health:        %s (%s)\n", report.Status, strings.Join(report.Failing, ", "))
	default:
		fmt.Fprintf(out, "health:        %s\n", report.Status)
	}
}

func printAgentStatus(out io.Writer, st agent.Status) {
	fmt.Fprintf(out, "mode:          %s\n", st.Mode)
	if st.Mode == agent.ModeClock {
		clock := "clocked out"
		if st.ClockedIn {
			clock = "clocked in"
		}
		if !st.LastClockPoll.IsZero() {
			clock += fmt.Sprintf(" (checked %s)", humanize.Time(st.LastClockPoll))
		}
		fmt.Fprintf(out, "clock:         %s\n", clock)
		if st.ClockError != "" {
			fmt.Fprintf(out, "clock error:   %s\n", st.ClockError)
		}
	}

	if s := st.Session; s != nil {
		fmt.Fprintf(out, "session:       %s since %s\n", s.State, humanize.Time(s.StartedAt))
		if s.App != "" {
			fmt.Fprintf(out, "focused app:   %s\n", s.App)
		}
		fmt.Fprintf(out, "input:         %s\n", capability(s.InputSource, s.InputOK))
		fmt.Fprintf(out, "window:        %s\n", capability(s.WindowProber, s.WindowOK))
		fmt.Fprintf(out, "delivered:     %s segments\n", humanize.Comma(int64(s.Delivered)))
		if s.LastError != "" {
			fmt.Fprintf(out, "last error:    %s\n", s.LastError)
		}
	} else {
		fmt.Fprintln(out, "session:       none")
	}

	fmt.Fprintf(out, "queued:        %s segments\n", humanize.Comma(int64(st.QueueDepth)))
	if !st.LastDelivery.IsZero() {
		fmt.Fprintf(out, "last delivery: %s\n", humanize.Time(st.LastDelivery))
	}
}

func capability(name string, ok bool) string {
	if ok {
		return name
	}
	return name + " (unavailable)"
}

// printQueueFile reports the on-disk backlog when no agent is running.
func printQueueFile(out io.Writer, cfg *config.Config) error {
	path := cfg.QueuePath()
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		fmt.Fprintln(out, "queue:         empty")
		return nil
	}
	if err != nil {
		return err
	}
	items, _, err := queue.ReadFile(path, queue.Format(cfg.Queue.Format))
	if err != nil {
		return fmt.Errorf("read queue: %w", err)
	}
	fmt.Fprintf(out, "queue:         %s segments (%s) in %s\n",
		humanize.Comma(int64(len(items))), humanize.Bytes(uint64(fi.Size())), path)
	return nil
}
