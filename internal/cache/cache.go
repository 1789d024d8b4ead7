// Package cache keeps Graph metadata (plans, buckets, groups, users) in
// Redis so task mapping does not hit Graph for every name lookup.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/annika-hq/plannersync/internal/types"
)

const (
	defaultNamespace = "annika"
	defaultTTL       = 24 * time.Hour
	defaultMaxPages  = 50

	defaultFetchTimeout = 30 * time.Second
)

// Fetcher loads a single resource from Graph. graph.Client satisfies it.
type Fetcher interface {
	FetchMetadata(ctx context.Context, rt types.ResourceType, id string) (*types.MetadataRecord, error)
}

// Option configures a Cache.
type Option func(*Cache)

// WithNamespace sets the key namespace prefix.
func WithNamespace(ns string) Option {
	return func(c *Cache) {
		if ns != "" {
			c.ns = ns
		}
	}
}

// WithTTL sets the lifetime of metadata records. Task records never expire.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMaxPages caps bulk enumeration.
func WithMaxPages(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxPages = n
		}
	}
}

// WithFetchTimeout bounds a shared fetch on a cache miss. The fetch outlives
// any single caller, so it is limited by this rather than the caller's ctx.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Cache) { c.log = log }
}

// Cache is a read-through metadata cache backed by Redis.
type Cache struct {
	client       *redis.Client
	fetcher      Fetcher
	ns           string
	ttl          time.Duration
	maxPages     int
	fetchTimeout time.Duration
	log          *slog.Logger
	group        singleflight.Group
}

// New creates a cache over client, fetching misses through fetcher.
func New(client *redis.Client, fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		client:       client,
		fetcher:      fetcher,
		ns:           defaultNamespace,
		ttl:          defaultTTL,
		maxPages:     defaultMaxPages,
		fetchTimeout: defaultFetchTimeout,
		log:          slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) recordKey(rt types.ResourceType, id string) string {
	return c.ns + ":cache:" + string(rt) + ":" + id
}

func (c *Cache) indexKey(rt types.ResourceType) string {
	return c.ns + ":cache:index:" + string(rt)
}

func (c *Cache) ttlFor(rt types.ResourceType) time.Duration {
	if rt == types.ResourceTask {
		return 0
	}
	return c.ttl
}

// GetCached returns the cached record, or nil on a miss. A record that does
// not decode is logged, dropped and reported as a miss.
func (c *Cache) GetCached(ctx context.Context, rt types.ResourceType, id string) (*types.MetadataRecord, error) {
	key := c.recordKey(rt, id)
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", key, err)
	}
	var rec types.MetadataRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.ID == "" {
		c.log.Warn("dropping corrupt cache record", "type", rt, "id", id, "error", err)
		_ = c.client.Del(ctx, key).Err()
		return nil, nil
	}
	return &rec, nil
}

// Put stores rec and adds its id to the type index.
func (c *Cache) Put(ctx context.Context, rec *types.MetadataRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("cache put: record has no id")
	}
	if rec.CachedAt.IsZero() {
		rec.CachedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode cache record: %w", err)
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.recordKey(rec.Type, rec.ID), data, c.ttlFor(rec.Type))
		pipe.SAdd(ctx, c.indexKey(rec.Type), rec.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache put %s %s: %w", rec.Type, rec.ID, err)
	}
	return nil
}

// FetchAndCache loads the resource from Graph and caches it.
func (c *Cache) FetchAndCache(ctx context.Context, rt types.ResourceType, id string) (*types.MetadataRecord, error) {
	if c.fetcher == nil {
		return nil, fmt.Errorf("cache: no fetcher configured")
	}
	rec, err := c.fetcher.FetchMetadata(ctx, rt, id)
	if err != nil {
		return nil, err
	}
	rec.Type = rt
	if err := c.Put(ctx, rec); err != nil {
		// still useful to the caller even if Redis refused it
		c.log.Warn("cache write failed", "type", rt, "id", id, "error", err)
	}
	return rec, nil
}

// GetOrFetch returns the cached record, fetching it on a miss. Concurrent
// misses for the same resource share one fetch; a caller that gives up
// does not cancel it for the others.
func (c *Cache) GetOrFetch(ctx context.Context, rt types.ResourceType, id string) (*types.MetadataRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("cache: empty %s id", rt)
	}
	rec, err := c.GetCached(ctx, rt, id)
	if err != nil {
		c.log.Debug("cache read failed, fetching", "type", rt, "id", id, "error", err)
	}
	if rec != nil {
		return rec, nil
	}
	ch := c.group.DoChan(string(rt)+":"+id, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		return c.FetchAndCache(fctx, rt, id)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*types.MetadataRecord), nil
	}
}

// IndexIDs returns every id ever cached for rt.
func (c *Cache) IndexIDs(ctx context.Context, rt types.ResourceType) ([]string, error) {
	ids, err := c.client.SMembers(ctx, c.indexKey(rt)).Result()
	if err != nil {
		return nil, fmt.Errorf("cache index %s: %w", rt, err)
	}
	return ids, nil
}
