package tracker

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/annika-hq/plannersync/internal/eventbus"
	"github.com/annika-hq/plannersync/internal/graph"
	"github.com/annika-hq/plannersync/internal/identity"
	"github.com/annika-hq/plannersync/internal/storage"
)

// hintsLane dispatches events from every source. A failing source restarts
// the lane.
func (e *Engine) hintsLane(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range e.sources {
		g.Go(func() error { return e.bus.Listen(gctx, src) })
	}
	return g.Wait()
}

// Handlers returns the engine's event handlers.
func (e *Engine) Handlers() []eventbus.Handler {
	return []eventbus.Handler{
		&eventbus.HandlerFunc{
			Name:  "local-detect",
			Types: []eventbus.EventType{eventbus.EventLocalTaskChanged},
			Callback: func(_ context.Context, ev *eventbus.Event) error {
				if ev.Source == storage.AnnounceSource {
					return nil
				}
				e.TriggerLocal()
				return nil
			},
		},
		&eventbus.HandlerFunc{
			Name:  "plan-repoll",
			Types: []eventbus.EventType{eventbus.EventRemotePlanChanged},
			Callback: func(_ context.Context, ev *eventbus.Event) error {
				e.RequestPoll(ev.PlanID)
				return nil
			},
		},
		&eventbus.HandlerFunc{
			Name:     "task-repoll",
			Types:    []eventbus.EventType{eventbus.EventRemoteTaskChanged},
			Order:    10,
			Callback: e.handleTaskHint,
		},
	}
}

// handleTaskHint re-polls the plan of a changed Planner task: the plan named
// in the hint, else the plan it was last seen in, else the plan Graph
// reports for it.
func (e *Engine) handleTaskHint(ctx context.Context, ev *eventbus.Event) error {
	plan := ev.PlanID
	if plan == "" && ev.TaskID != "" {
		var err error
		if plan, err = e.maps.PlanOf(ctx, ev.TaskID); err != nil {
			return err
		}
	}
	if plan == "" && ev.TaskID != "" {
		rt, err := e.remote.GetTask(ctx, ev.TaskID)
		switch {
		case graph.IsNotFound(err):
			e.log.Debug("hint for unknown task", "remote_id", ev.TaskID)
			return nil
		case err != nil:
			return fmt.Errorf("resolve plan of %s: %w", ev.TaskID, err)
		}
		plan = rt.PlanID
	}
	e.RequestPoll(plan)
	return nil
}

// identityLane reloads the assignee directory when the users file changes.
func (e *Engine) identityLane(ctx context.Context) error {
	return identity.Watch(ctx, e.cfg.Users, e.cfg.UsersFile, e.SetUsers, e.log)
}
