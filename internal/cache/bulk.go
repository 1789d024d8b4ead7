package cache

import (
	"context"
	"fmt"

	"github.com/annika-hq/plannersync/internal/types"
)

// UserPager pages through directory users. graph.Client satisfies it.
type UserPager interface {
	UsersPage(ctx context.Context, link string) ([]types.User, string, error)
}

// PlanPager pages through plans. graph.Client satisfies it.
type PlanPager interface {
	PlansPage(ctx context.Context, link string) ([]types.Plan, string, error)
}

// BulkResult summarises a bulk enumeration.
type BulkResult struct {
	Pages     int
	Seen      int
	Hydrated  int
	Failed    int
	Truncated bool
}

// CacheAllUsers walks every page of users and hydrates each one.
func (c *Cache) CacheAllUsers(ctx context.Context, pager UserPager) (BulkResult, error) {
	return c.walk(ctx, types.ResourceUser, func(ctx context.Context, link string) ([]string, string, error) {
		users, next, err := pager.UsersPage(ctx, link)
		ids := make([]string, 0, len(users))
		for _, u := range users {
			ids = append(ids, u.ID)
		}
		return ids, next, err
	})
}

// CacheAllPlans walks every page of plans and hydrates each one.
func (c *Cache) CacheAllPlans(ctx context.Context, pager PlanPager) (BulkResult, error) {
	return c.walk(ctx, types.ResourcePlan, func(ctx context.Context, link string) ([]string, string, error) {
		plans, next, err := pager.PlansPage(ctx, link)
		ids := make([]string, 0, len(plans))
		for _, p := range plans {
			ids = append(ids, p.ID)
		}
		return ids, next, err
	})
}

// walk follows continuation links up to maxPages. Hitting the cap is logged,
// not an error. A failure to hydrate one record does not stop the walk.
func (c *Cache) walk(ctx context.Context, rt types.ResourceType, page func(context.Context, string) ([]string, string, error)) (BulkResult, error) {
	var res BulkResult
	link := ""
	for {
		if res.Pages >= c.maxPages {
			res.Truncated = true
			c.log.Warn("bulk cache stopped at page cap; remote still has more",
				"type", rt, "max_pages", c.maxPages, "seen", res.Seen)
			break
		}
		ids, next, err := page(ctx, link)
		if err != nil {
			return res, fmt.Errorf("cache all %ss, page %d: %w", rt, res.Pages+1, err)
		}
		res.Pages++
		for _, id := range ids {
			if id == "" {
				continue
			}
			res.Seen++
			if _, err := c.GetOrFetch(ctx, rt, id); err != nil {
				res.Failed++
				c.log.Warn("bulk cache hydration failed", "type", rt, "id", id, "error", err)
				continue
			}
			res.Hydrated++
		}
		if next == "" {
			break
		}
		link = next
	}
	c.log.Info("bulk cache complete", "type", rt, "pages", res.Pages, "hydrated", res.Hydrated, "failed", res.Failed)
	return res, nil
}
