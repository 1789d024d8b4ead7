package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/annika-hq/plannersync/internal/auth"
	"github.com/annika-hq/plannersync/internal/cache"
	"github.com/annika-hq/plannersync/internal/config"
	"github.com/annika-hq/plannersync/internal/eventbus"
	"github.com/annika-hq/plannersync/internal/graph"
	"github.com/annika-hq/plannersync/internal/identity"
	"github.com/annika-hq/plannersync/internal/mapper"
	"github.com/annika-hq/plannersync/internal/ratelimit"
	"github.com/annika-hq/plannersync/internal/storage"
	"github.com/annika-hq/plannersync/internal/telemetry"
	"github.com/annika-hq/plannersync/internal/tracker"
)

// service is everything one process needs to talk to both sides.
type service struct {
	rdb      *redis.Client
	tasks    *storage.TaskStore
	maps     *storage.MappingStore
	guard    *ratelimit.Guard
	graph    *graph.Client
	metadata *cache.Cache
	engine   *tracker.Engine

	// publisher carries hints from the webhook receiver to the engine.
	publisher eventbus.Publisher
	nc        *nats.Conn
}

// openService connects to Redis and builds the Graph client, the caches and
// the engine. tokens overrides the configured app credentials when non-nil.
func openService(ctx context.Context, s config.Settings, tokens auth.Provider, log *slog.Logger) (*service, error) {
	if tokens == nil {
		cc, err := auth.NewClientCredentials(auth.ClientCredentialsConfig{
			TenantID:     s.Graph.TenantID,
			ClientID:     s.Graph.ClientID,
			ClientSecret: s.Graph.ClientSecret,
		}, log.With("component", "auth"))
		if err != nil {
			return nil, err
		}
		tokens = cc
	}

	rdb, err := storage.Open(ctx, s.Redis.URL)
	if err != nil {
		return nil, err
	}
	svc := &service{
		rdb:   rdb,
		tasks: storage.NewTaskStore(rdb, storage.WithKeyPrefix(s.Local.KeyPrefix), storage.WithNotifyChannel(s.Local.NotifyChannel)),
		maps:  storage.NewMappingStore(rdb, s.Redis.Namespace),
	}

	svc.guard = ratelimit.New(ratelimit.Settings{
		Name:              "graph",
		FailureThreshold:  s.Rate.BreakerThreshold,
		Cooldown:          s.Rate.BreakerCooldown,
		MaxBackoff:        s.Rate.MaxBackoff,
		RequestsPerSecond: s.Rate.RequestsPerSecond,
		Burst:             s.Rate.Burst,
		IsRateLimited:     graph.RetryAfter,
		IsTransient:       graph.IsTransient,
		IsExcluded:        graph.IsNoToken,
	}, ratelimit.WithLogger(log.With("component", "ratelimit")))

	svc.graph = graph.NewClient(s.Graph.BaseURL, tokens,
		graph.WithGuard(svc.guard),
		graph.WithTimeout(s.Graph.Timeout),
		graph.WithScopes(s.Graph.Scopes),
		graph.WithLogger(log.With("component", "graph")),
	)

	svc.metadata = cache.New(rdb, svc.graph,
		cache.WithNamespace(s.Redis.Namespace),
		cache.WithTTL(s.Cache.TTL),
		cache.WithMaxPages(s.Cache.MaxPages),
		cache.WithLogger(log.With("component", "cache")),
	)

	users, err := identity.Load(s.Identity.Users, s.Identity.UsersFile)
	if err != nil {
		svc.Close()
		return nil, err
	}
	m := mapper.New(users,
		mapper.WithMetadata(svc.metadata),
		mapper.WithLogger(log.With("component", "mapper")),
	)

	sources, err := svc.hintSources(s.Hints, log)
	if err != nil {
		svc.Close()
		return nil, err
	}

	svc.engine = tracker.New(svc.graph, svc.tasks, svc.maps, tracker.ConfigFromSettings(s),
		tracker.WithLogger(log.With("component", "engine")),
		tracker.WithMetrics(telemetry.NewSyncMetrics(otel.GetMeterProvider())),
		tracker.WithBreaker(svc.guard),
		tracker.WithSources(sources...),
		tracker.WithMapper(m),
	)
	return svc, nil
}

// hintSources subscribes to local change notices on the task channel and to
// remote hints on the configured transport, and sets the matching publisher.
func (svc *service) hintSources(h config.HintsSettings, log *slog.Logger) ([]eventbus.Source, error) {
	hlog := log.With("component", "hints")
	sources := []eventbus.Source{
		eventbus.NewRedisSource(svc.tasks, svc.tasks.Channel(), eventbus.DecodeLocalNotice, hlog),
	}

	switch h.Transport {
	case config.HintsNATS:
		nc, err := eventbus.Connect(h.NATSURL, hlog)
		if err != nil {
			return nil, err
		}
		svc.nc = nc
		js, err := nc.JetStream()
		if err != nil {
			return nil, fmt.Errorf("jetstream: %w", err)
		}
		if err := eventbus.EnsureStream(js, h.NATSSubject); err != nil {
			// Plain subjects still work without the stream.
			hlog.Warn("hints stream unavailable, publishing without acknowledgement", "error", err)
			js = nil
		}
		svc.publisher = eventbus.NewNATSPublisher(nc, js, h.NATSSubject)
		sources = append(sources, eventbus.NewNATSSource(nc, h.NATSSubject, hlog))
	default:
		svc.publisher = eventbus.NewRedisPublisher(svc.tasks, h.RedisChannel)
		sources = append(sources, eventbus.NewRedisSource(svc.tasks, h.RedisChannel, eventbus.DecodeEvent, hlog))
	}
	return sources, nil
}

// Close releases the connections.
func (svc *service) Close() {
	if svc.nc != nil {
		svc.nc.Close()
	}
	if svc.rdb != nil {
		_ = svc.rdb.Close()
	}
}
