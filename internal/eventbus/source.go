package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"
)

// Source produces events until its context is done.
type Source interface {
	Run(ctx context.Context, emit func(ctx context.Context, ev *Event)) error
}

// Publisher sends events to whatever Source the engine listens on.
type Publisher interface {
	Publish(ctx context.Context, ev *Event) error
}

// Decoder turns a raw message into an event.
type Decoder func(payload []byte) (*Event, error)

// ErrUnknownEvent is returned by DecodeEvent for payloads that are not hints.
var ErrUnknownEvent = errors.New("unknown event type")

// DecodeEvent decodes a JSON-encoded Event as published by a Publisher.
func DecodeEvent(payload []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	switch ev.Type {
	case EventLocalTaskChanged, EventRemotePlanChanged, EventRemoteTaskChanged:
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownEvent, ev.Type)
	}
	ev.Raw = payload
	return &ev, nil
}

// DecodeLocalNotice accepts any message from the local task channel. The
// payload is not trusted; a task id is picked out when one is present.
func DecodeLocalNotice(payload []byte) (*Event, error) {
	ev := &Event{Type: EventLocalTaskChanged, Raw: payload}
	if gjson.ValidBytes(payload) {
		r := gjson.ParseBytes(payload)
		ev.TaskID = r.Get("task_id").String()
		if ev.TaskID == "" {
			ev.TaskID = r.Get("id").String()
		}
		ev.Source = r.Get("source").String()
	}
	return ev, nil
}

func encode(ev *Event) ([]byte, error) {
	if ev.PublishedAt == nil {
		now := time.Now().UTC()
		ev.PublishedAt = &now
	}
	return json.Marshal(ev)
}

// PubSub is the publish/subscribe primitive of the local task store.
// storage.TaskStore satisfies it.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload interface{}) error
	Subscribe(ctx context.Context, channel string, fn func(payload []byte)) (<-chan struct{}, error)
}

// RedisSource emits one event per message on a Redis channel.
type RedisSource struct {
	ps      PubSub
	channel string
	decode  Decoder
	log     *slog.Logger
}

// NewRedisSource subscribes to channel and decodes messages with decode.
func NewRedisSource(ps PubSub, channel string, decode Decoder, log *slog.Logger) *RedisSource {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &RedisSource{ps: ps, channel: channel, decode: decode, log: log}
}

// Run blocks until ctx is done. It returns an error if the subscription
// cannot be made or ends on its own.
func (s *RedisSource) Run(ctx context.Context, emit func(ctx context.Context, ev *Event)) error {
	done, err := s.ps.Subscribe(ctx, s.channel, func(payload []byte) {
		ev, err := s.decode(payload)
		if err != nil {
			s.log.Debug("ignoring message", "channel", s.channel, "error", err)
			return
		}
		emit(ctx, ev)
	})
	if err != nil {
		return err
	}
	<-done
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("subscription to %s closed", s.channel)
}

// RedisPublisher publishes events as JSON on a Redis channel.
type RedisPublisher struct {
	ps      PubSub
	channel string
}

// NewRedisPublisher publishes on channel.
func NewRedisPublisher(ps PubSub, channel string) *RedisPublisher {
	return &RedisPublisher{ps: ps, channel: channel}
}

// Publish sends ev.
func (p *RedisPublisher) Publish(ctx context.Context, ev *Event) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	return p.ps.Publish(ctx, p.channel, data)
}
