package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/annika-hq/plannersync/internal/tracker"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "inspect",
	Short:   "Show the health of a running service",
	Long: `Show the health of a running service by reading its /health endpoint.

The service must run with webhook.enabled. --url defaults to webhook.addr
on localhost.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		url, _ := cmd.Flags().GetString("url")
		if url == "" {
			url = healthURL(settings.Webhook.Addr)
		}
		h, err := fetchHealth(cmd.Context(), url)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cmd.OutOrStdout(), h)
		}
		renderHealth(cmd.OutOrStdout(), h, time.Now())
		return nil
	},
}

func init() {
	statusCmd.Flags().String("url", "", "Health endpoint (default: http://localhost<webhook.addr>/health)")
}

func healthURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/health"
}

// fetchHealth reads a health document. A 503 still carries the document.
func fetchHealth(ctx context.Context, url string) (*tracker.Health, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("service not reachable at %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("health check returned %s", resp.Status)
	}
	var h tracker.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decoding health: %w", err)
	}
	return &h, nil
}

func renderHealth(w io.Writer, h *tracker.Health, now time.Time) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()

	status := green(h.Status)
	if !h.Healthy() {
		status = red(h.Status)
	}
	fmt.Fprintf(w, "Status: %s", status)
	if !h.StartedAt.IsZero() {
		fmt.Fprintf(w, " (up %s)", now.Sub(h.StartedAt).Truncate(time.Second))
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Processed %d, failed %d, deferred %d, conflicts %d\n", h.Processed, h.Failed, h.Deferred, h.Conflicts)
	fmt.Fprintf(w, "Imported %d, deleted %d, mappings %d\n", h.Imported, h.Deleted, h.Mappings)
	fmt.Fprintf(w, "Pending %d, in flight %d", h.Pending, h.InFlight)
	if h.Suppressed > 0 {
		fmt.Fprintf(w, ", %s", yellow(fmt.Sprintf("%d suppressed", h.Suppressed)))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Hints %d, unhandled %d, handler errors %d\n", h.Hints.Dispatched, h.Hints.Unhandled, h.Hints.HandlerErrors)

	if b := h.Breaker; b != nil {
		state := green(b.State)
		if b.State != "closed" {
			state = yellow(b.State)
		}
		fmt.Fprintf(w, "Breaker: %s (failures %d, rate limits %d)", state, b.ConsecutiveFailures, b.ConsecutiveRateLimits)
		if b.PausedUntil.After(now) {
			fmt.Fprintf(w, ", paused %s", b.PausedUntil.Sub(now).Truncate(time.Second))
		}
		fmt.Fprintln(w)
	}

	if len(h.Lanes) > 0 {
		names := make([]string, 0, len(h.Lanes))
		for name := range h.Lanes {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(w, "Lanes:")
		for _, name := range names {
			l := h.Lanes[name]
			state := green(string(l.State))
			if l.State != tracker.LaneRunning {
				state = yellow(string(l.State))
			}
			fmt.Fprintf(w, "  %-9s %s", name, state)
			if l.Restarts > 0 {
				fmt.Fprintf(w, " restarts=%d", l.Restarts)
			}
			if l.LastError != "" {
				fmt.Fprintf(w, " %s", red(l.LastError))
			}
			fmt.Fprintln(w)
		}
	}

	if len(h.Plans) > 0 {
		fmt.Fprintln(w, "Plans:")
		for _, p := range h.Plans {
			title := p.Title
			if title == "" {
				title = p.PlanID
			}
			polled := "never"
			if !p.LastPolled.IsZero() {
				polled = now.Sub(p.LastPolled).Truncate(time.Second).String() + " ago"
			}
			fmt.Fprintf(w, "  %s %s live=%d polled %s\n", cyan(title), p.Class, p.LiveTasks, polled)
		}
	}
}
