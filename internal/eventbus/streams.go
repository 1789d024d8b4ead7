package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

// StreamHints is the JetStream stream that retains published hints.
const StreamHints = "PLANNER_HINTS"

// SubjectForEvent returns the NATS subject for an event type under prefix,
// e.g. plannersync.hints.remote.plan.changed.
func SubjectForEvent(prefix string, eventType EventType) string {
	return strings.TrimSuffix(prefix, ".") + "." + string(eventType)
}

// EnsureStream creates the hints stream if it doesn't already exist.
func EnsureStream(js nats.JetStreamContext, prefix string) error {
	_, err := js.StreamInfo(StreamHints)
	if err == nil {
		return nil
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamHints,
		Subjects: []string{strings.TrimSuffix(prefix, ".") + ".>"},
		Storage:  nats.FileStorage,
		MaxMsgs:  10000,
		MaxBytes: 16 << 20,
	})
	if err != nil {
		return fmt.Errorf("create %s stream: %w", StreamHints, err)
	}
	return nil
}

// Connect dials NATS with reconnects enabled and logs connection changes.
func Connect(url string, log *slog.Logger) (*nats.Conn, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	nc, err := nats.Connect(url,
		nats.Name("plannersync"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return nc, nil
}

// NATSPublisher publishes events on per-type subjects. With a JetStream
// context the publish is acknowledged by the hints stream.
type NATSPublisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	prefix string
}

// NewNATSPublisher publishes under prefix. js may be nil.
func NewNATSPublisher(nc *nats.Conn, js nats.JetStreamContext, prefix string) *NATSPublisher {
	return &NATSPublisher{nc: nc, js: js, prefix: prefix}
}

// Publish sends ev.
func (p *NATSPublisher) Publish(ctx context.Context, ev *Event) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	subject := SubjectForEvent(p.prefix, ev.Type)
	if p.js != nil {
		if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
		return nil
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// NATSSource emits every event published under a subject prefix.
type NATSSource struct {
	nc     *nats.Conn
	prefix string
	log    *slog.Logger
}

// NewNATSSource listens on prefix.>.
func NewNATSSource(nc *nats.Conn, prefix string, log *slog.Logger) *NATSSource {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &NATSSource{nc: nc, prefix: prefix, log: log}
}

// Run blocks until ctx is done.
func (s *NATSSource) Run(ctx context.Context, emit func(ctx context.Context, ev *Event)) error {
	msgs := make(chan *nats.Msg, 64)
	subject := strings.TrimSuffix(s.prefix, ".") + ".>"
	sub, err := s.nc.ChanSubscribe(subject, msgs)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	if err := s.nc.Flush(); err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			ev, err := DecodeEvent(msg.Data)
			if err != nil {
				s.log.Debug("ignoring message", "subject", msg.Subject, "error", err)
				continue
			}
			emit(ctx, ev)
		}
	}
}
