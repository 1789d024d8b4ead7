package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/annika-hq/plannersync/internal/cache"
	"github.com/annika-hq/plannersync/internal/types"
)

var cacheCmd = &cobra.Command{
	Use:     "cache",
	GroupID: "inspect",
	Short:   "Manage the Graph metadata cache",
}

var cacheWarmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Enumerate users and plans from Graph into the cache",
	RunE: func(cmd *cobra.Command, _ []string) error {
		users, _ := cmd.Flags().GetBool("users")
		plans, _ := cmd.Flags().GetBool("plans")
		if !users && !plans {
			users, plans = true, true
		}

		ctx := cmd.Context()
		svc, err := openService(ctx, settings, nil, logger)
		if err != nil {
			return err
		}
		defer svc.Close()

		results := make(map[string]cache.BulkResult)
		if users {
			r, err := svc.metadata.CacheAllUsers(ctx, svc.graph)
			if err != nil {
				return fmt.Errorf("caching users: %w", err)
			}
			results["users"] = r
		}
		if plans {
			r, err := svc.metadata.CacheAllPlans(ctx, svc.graph)
			if err != nil {
				return fmt.Errorf("caching plans: %w", err)
			}
			results["plans"] = r
		}

		if jsonOutput {
			return outputJSON(cmd.OutOrStdout(), results)
		}
		for _, kind := range []string{"users", "plans"} {
			r, ok := results[kind]
			if !ok {
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d seen, %d cached, %d failed over %d page(s)", kind, r.Seen, r.Hydrated, r.Failed, r.Pages)
			if r.Truncated {
				fmt.Fprint(cmd.OutOrStdout(), " (page cap reached)")
			}
			fmt.Fprintln(cmd.OutOrStdout())
		}
		return nil
	},
}

var cacheGetCmd = &cobra.Command{
	Use:   "get <plan|bucket|group|user> <id>",
	Short: "Show one cached record, fetching it on a miss",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := types.ResourceType(args[0])
		switch rt {
		case types.ResourcePlan, types.ResourceBucket, types.ResourceGroup, types.ResourceUser:
		default:
			return fmt.Errorf("unknown resource type %q", args[0])
		}

		ctx := cmd.Context()
		svc, err := openService(ctx, settings, nil, logger)
		if err != nil {
			return err
		}
		defer svc.Close()

		rec, err := svc.metadata.GetOrFetch(ctx, rt, args[1])
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cmd.OutOrStdout(), rec)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", rec.Type, rec.ID, rec.DisplayName)
		if rec.ParentID != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "  parent: %s\n", rec.ParentID)
		}
		if rec.Mail != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "  mail: %s\n", rec.Mail)
		}
		return nil
	},
}

func init() {
	cacheWarmCmd.Flags().Bool("users", false, "Warm users only")
	cacheWarmCmd.Flags().Bool("plans", false, "Warm plans only")
	cacheCmd.AddCommand(cacheWarmCmd, cacheGetCmd)
}
