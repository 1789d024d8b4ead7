package eventbus

import "context"

// Handler reacts to hints of the types it names.
type Handler interface {
	ID() string
	Handles() []EventType
	// Priority orders handlers of one type, lowest first.
	Priority() int
	// Handle acts on one event. An error is recorded in result by the bus
	// and does not stop later handlers.
	Handle(ctx context.Context, event *Event, result *Result) error
}

// HandlerFunc adapts a callback to Handler.
type HandlerFunc struct {
	Name     string
	Types    []EventType
	Order    int
	Callback func(ctx context.Context, event *Event) error
}

func (h *HandlerFunc) ID() string           { return h.Name }
func (h *HandlerFunc) Handles() []EventType { return h.Types }
func (h *HandlerFunc) Priority() int        { return h.Order }

func (h *HandlerFunc) Handle(ctx context.Context, event *Event, _ *Result) error {
	return h.Callback(ctx, event)
}
