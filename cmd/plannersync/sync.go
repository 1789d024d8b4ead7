package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/annika-hq/plannersync/internal/timeparsing"
	"github.com/annika-hq/plannersync/internal/tracker"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync pass and exit",
	Long: `Run one sync pass and exit.

By default only local tasks modified within sync.catchup_window are
uploaded. --since moves that bound: a compact duration (6h, 2d, 1w), a
date or RFC3339 timestamp, or a phrase such as "yesterday". --full
re-examines every local task and polls every plan.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		full, _ := cmd.Flags().GetBool("full")
		sinceArg, _ := cmd.Flags().GetString("since")
		if full && sinceArg != "" {
			return fmt.Errorf("--full and --since are mutually exclusive")
		}
		var since time.Time
		if sinceArg != "" {
			var err error
			if since, err = timeparsing.ParseSince(sinceArg, time.Now()); err != nil {
				return fmt.Errorf("invalid --since: %w", err)
			}
		}
		ctx := cmd.Context()

		svc, err := openService(ctx, settings, nil, logger)
		if err != nil {
			return err
		}
		defer svc.Close()

		out := cmd.OutOrStdout()
		if !jsonOutput {
			svc.engine.OnMessage = func(msg string) { fmt.Fprintln(out, msg) }
			svc.engine.OnWarning = func(msg string) {
				fmt.Fprintf(out, "%s %s\n", color.New(color.FgYellow).Sprint("warning:"), msg)
			}
		}

		var res *tracker.SyncResult
		switch {
		case full:
			res, err = svc.engine.FullSync(ctx)
		case !since.IsZero():
			res, err = svc.engine.SyncSince(ctx, since)
		default:
			res, err = svc.engine.CatchUp(ctx)
		}
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(out, res)
		}
		printResult(out, res)
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("full", false, "Examine every local task and poll every plan")
	syncCmd.Flags().String("since", "", "Upload local tasks modified since this time (e.g. 6h, 2025-01-31, yesterday)")
}

func printResult(w io.Writer, res *tracker.SyncResult) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	s := res.Stats
	head := green("✓ sync complete")
	if !res.Success {
		head = red("✗ sync finished with errors")
	}
	fmt.Fprintln(w, head)
	fmt.Fprintf(w, "  pushed %d, pulled %d (created %d, updated %d, deleted %d)\n",
		s.Pushed, s.Pulled, s.Created, s.Updated, s.Deleted)
	if s.Skipped+s.Deferred > 0 {
		fmt.Fprintf(w, "  skipped %d, deferred %d\n", s.Skipped, s.Deferred)
	}
	if s.Conflicts > 0 {
		fmt.Fprintf(w, "  %s\n", yellow(fmt.Sprintf("%d conflict(s) resolved", s.Conflicts)))
		for _, c := range res.Conflicts {
			fmt.Fprintf(w, "    %s ↔ %s: %s wins (%s)\n", c.LocalID, c.RemoteID, c.Winner, c.Reason)
		}
	}
	if s.Errors > 0 {
		fmt.Fprintf(w, "  %s\n", red(fmt.Sprintf("%d error(s)", s.Errors)))
	}
}
