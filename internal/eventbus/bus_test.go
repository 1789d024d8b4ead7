package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// probe appends its name to a shared log when called.
type probe struct {
	name  string
	types []EventType
	order int
	log   *[]string
	err   error
}

func (p *probe) ID() string           { return p.name }
func (p *probe) Handles() []EventType { return p.types }
func (p *probe) Priority() int        { return p.order }

func (p *probe) Handle(context.Context, *Event, *Result) error {
	if p.log != nil {
		*p.log = append(*p.log, p.name)
	}
	return p.err
}

func TestDispatchRejectsNilEvent(t *testing.T) {
	_, err := New(nil).Dispatch(context.Background(), nil)
	require.Error(t, err)
}

func TestDispatchRoutesByType(t *testing.T) {
	bus := New(nil)
	var calls []string
	bus.Register(&probe{name: "local", types: []EventType{EventLocalTaskChanged}, log: &calls})
	bus.Register(&probe{name: "remote", types: []EventType{EventRemoteTaskChanged, EventRemotePlanChanged}, log: &calls})

	ctx := context.Background()
	_, err := bus.Dispatch(ctx, &Event{Type: EventRemotePlanChanged, PlanID: "p1"})
	require.NoError(t, err)
	_, err = bus.Dispatch(ctx, &Event{Type: EventLocalTaskChanged, TaskID: "Task-1"})
	require.NoError(t, err)

	assert.Equal(t, []string{"remote", "local"}, calls)
}

func TestDispatchOrder(t *testing.T) {
	tests := []struct {
		name   string
		orders map[string]int
		reg    []string
		want   []string
	}{
		{
			name:   "by priority",
			orders: map[string]int{"a": 10, "b": 20, "c": 30},
			reg:    []string{"c", "a", "b"},
			want:   []string{"a", "b", "c"},
		},
		{
			name:   "ties keep registration order",
			orders: map[string]int{"first": 0, "second": 0, "third": 0},
			reg:    []string{"first", "second", "third"},
			want:   []string{"first", "second", "third"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := New(nil)
			var calls []string
			for _, name := range tt.reg {
				bus.Register(&probe{name: name, types: []EventType{EventRemotePlanChanged}, order: tt.orders[name], log: &calls})
			}
			res, err := bus.Dispatch(context.Background(), &Event{Type: EventRemotePlanChanged})
			require.NoError(t, err)
			assert.Equal(t, tt.want, calls)
			assert.Equal(t, tt.want, res.Handled)
		})
	}
}

func TestDispatchKeepsGoingAfterHandlerError(t *testing.T) {
	bus := New(nil)
	var calls []string
	bus.Register(&probe{name: "broken", types: []EventType{EventLocalTaskChanged}, order: 1, log: &calls, err: errors.New("boom")})
	bus.Register(&probe{name: "ok", types: []EventType{EventLocalTaskChanged}, order: 2, log: &calls})

	res, err := bus.Dispatch(context.Background(), &Event{Type: EventLocalTaskChanged})
	require.NoError(t, err)
	assert.Equal(t, []string{"broken", "ok"}, calls)
	assert.Equal(t, []string{"ok"}, res.Handled)
	assert.Equal(t, []string{"broken: boom"}, res.Warnings)
}

func TestDispatchStopsOnCancelledContext(t *testing.T) {
	bus := New(nil)
	var calls []string
	bus.Register(&probe{name: "h", types: []EventType{EventLocalTaskChanged}, log: &calls})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := bus.Dispatch(ctx, &Event{Type: EventLocalTaskChanged})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, calls)
}

func TestHandlerFuncReceivesEvent(t *testing.T) {
	bus := New(nil)
	var got string
	bus.Register(&HandlerFunc{
		Name:  "fn",
		Types: []EventType{EventRemoteTaskChanged},
		Callback: func(_ context.Context, ev *Event) error {
			got = ev.TaskID
			return nil
		},
	})
	_, err := bus.Dispatch(context.Background(), &Event{Type: EventRemoteTaskChanged, TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "t1", got)
}

func TestStats(t *testing.T) {
	bus := New(nil)
	bus.Register(&probe{name: "broken", types: []EventType{EventRemoteTaskChanged}, err: errors.New("boom")})
	ctx := context.Background()
	for _, typ := range []EventType{EventRemoteTaskChanged, EventRemoteTaskChanged, EventLocalTaskChanged} {
		_, err := bus.Dispatch(ctx, &Event{Type: typ})
		require.NoError(t, err)
	}
	assert.Equal(t, Stats{Dispatched: 3, Unhandled: 1, HandlerErrors: 2}, bus.Stats())
}

func TestRegisterWhileDispatching(t *testing.T) {
	bus := New(nil)
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			bus.Register(&probe{name: "h", types: []EventType{EventLocalTaskChanged}})
		}()
		go func() {
			defer wg.Done()
			_, _ = bus.Dispatch(context.Background(), &Event{Type: EventLocalTaskChanged})
		}()
	}
	wg.Wait()
	assert.Len(t, bus.Handlers(), 10)
}
