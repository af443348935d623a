package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"moltmonitor/internal/api"
	"moltmonitor/internal/version"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var (
		addr    string
		output  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			st, raw, err := fetchStatus(ctx, http.DefaultClient, addr)
			if err != nil {
				return err
			}
			warnVersionSkew(version.GetInfo(), st.Version.Version)

			switch output {
			case "json":
				_, err = cmd.OutOrStdout().Write(raw)
				return err
			case "table":
				renderStatus(cmd.OutOrStdout(), st)
				return nil
			default:
				return fmt.Errorf("unknown output format %q (want table or json)", output)
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "Base URL of the monitor's HTTP server")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table or json")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	return cmd
}

// fetchStatus returns the decoded status and the raw body.
func fetchStatus(ctx context.Context, hc *http.Client, addr string) (*api.StatusResponse, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(addr, "/")+"/api/status", nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("monitor unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read status: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("monitor returned status %d", resp.StatusCode)
	}

	var st api.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &st, body, nil
}

func warnVersionSkew(local version.Info, remote string) {
	ok, err := local.Compatible(remote)
	if err != nil {
		slog.Debug("Cannot compare versions", "error", err)
	}
	if !ok {
		slog.Warn("Daemon major version differs from this binary", "local", local.Version, "remote", remote)
	}
}

func renderStatus(w io.Writer, st *api.StatusResponse) {
	fmt.Fprintf(w, "%s %s  uptime %s  scheduler running: %t\n\n",
		st.Service, st.Version.Version, st.Uptime, st.Scheduler.Running)

	endpoints := table.NewWriter()
	endpoints.SetOutputMirror(w)
	endpoints.SetStyle(table.StyleRounded)
	endpoints.AppendHeader(table.Row{"Endpoint", "Phase", "Interval", "Last Poll", "Next Poll", "Fetched", "New", "Errors", "Activity"})
	for _, ep := range st.Scheduler.Endpoints {
		interval := "on demand"
		if !ep.OnDemand {
			interval = (time.Duration(ep.IntervalSeconds * float64(time.Second))).String()
		}
		endpoints.AppendRow(table.Row{
			ep.Endpoint,
			ep.Phase,
			interval,
			formatTime(ep.LastPollAt),
			formatTime(ep.NextPollAt),
			ep.TotalFetched,
			ep.LastNew,
			ep.ErrorCount,
			ep.ActivityLevel,
		})
	}
	endpoints.Render()

	limits := table.NewWriter()
	limits.SetOutputMirror(w)
	limits.SetStyle(table.StyleRounded)
	limits.AppendHeader(table.Row{"Window", "Used", "Limit", "Utilization"})
	for _, name := range slices.Sorted(maps.Keys(st.Governance.RateLimit.Windows)) {
		win := st.Governance.RateLimit.Windows[name]
		limits.AppendRow(table.Row{name, win.Count, win.Limit, fmt.Sprintf("%.0f%%", win.Utilization*100)})
	}
	limits.AppendFooter(table.Row{"", "", "seen items", st.Governance.Dedup.TotalItems})
	limits.Render()

	for _, warning := range st.Governance.RateLimit.Warnings {
		fmt.Fprintln(w, "warning:", warning)
	}
	for _, b := range st.Governance.Backoff.Endpoints {
		if b.NextAllowed != nil {
			fmt.Fprintf(w, "backoff: %s blocked until %s after %s\n", b.Endpoint, formatTime(b.NextAllowed), b.LastErrorType)
		}
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
