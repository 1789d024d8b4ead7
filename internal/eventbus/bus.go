// Package eventbus carries change hints between the local task store, the
// webhook receiver and the sync engine. Hints travel over Redis pub/sub or
// NATS and are dispatched to in-process handlers.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

var errNilEvent = errors.New("eventbus: nil event")

// Bus routes events to the handlers registered for their type.
type Bus struct {
	log *slog.Logger

	mu     sync.RWMutex
	all    []Handler
	routes map[EventType][]Handler // sorted by Priority

	dispatched    atomic.Int64
	unhandled     atomic.Int64
	handlerErrors atomic.Int64
}

// Stats counts what the bus has seen.
type Stats struct {
	Dispatched    int64 `json:"dispatched"`
	Unhandled     int64 `json:"unhandled"`
	HandlerErrors int64 `json:"handler_errors"`
}

// New creates a bus. A nil logger discards output.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Bus{log: log, routes: make(map[EventType][]Handler)}
}

// Register adds h to the route of every type it handles. Within a route,
// lower Priority runs first; equal priorities keep registration order.
func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
	for _, t := range h.Handles() {
		route := append(b.routes[t], h)
		sort.SliceStable(route, func(i, j int) bool { return route[i].Priority() < route[j].Priority() })
		b.routes[t] = route
	}
}

// Dispatch runs the event's route in order. A failing handler is logged and
// recorded as a warning; the rest still run.
func (b *Bus) Dispatch(ctx context.Context, event *Event) (*Result, error) {
	if event == nil {
		return nil, errNilEvent
	}
	b.mu.RLock()
	route := b.routes[event.Type]
	b.mu.RUnlock()

	b.dispatched.Add(1)
	if len(route) == 0 {
		b.unhandled.Add(1)
		b.log.Debug("no handler for event", "type", event.Type)
	}

	result := &Result{}
	for _, h := range route {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("eventbus: context cancelled: %w", err)
		}
		if err := h.Handle(ctx, event, result); err != nil {
			b.handlerErrors.Add(1)
			b.log.Warn("event handler failed", "handler", h.ID(), "type", event.Type, "task_id", event.TaskID, "plan_id", event.PlanID, "error", err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", h.ID(), err))
			continue
		}
		result.Handled = append(result.Handled, h.ID())
	}
	return result, nil
}

// Handlers returns every registered handler in registration order.
func (b *Bus) Handlers() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Handler(nil), b.all...)
}

// Stats returns the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Dispatched:    b.dispatched.Load(),
		Unhandled:     b.unhandled.Load(),
		HandlerErrors: b.handlerErrors.Load(),
	}
}

// Listen dispatches every event from src until ctx is done or src fails.
func (b *Bus) Listen(ctx context.Context, src Source) error {
	return src.Run(ctx, func(ctx context.Context, ev *Event) {
		if _, err := b.Dispatch(ctx, ev); err != nil && ctx.Err() == nil {
			b.log.Warn("dispatch failed", "type", ev.Type, "error", err)
		}
	})
}
