// Package storage holds the Redis-backed stores the sync engine depends on:
// the Annika task documents and the local/remote id mapping.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("not found")

// ErrMalformed is returned when a stored payload cannot be decoded. Callers
// treat it as absence.
var ErrMalformed = errors.New("malformed payload")

// connectMaxElapsed bounds how long Open keeps retrying the first ping.
const connectMaxElapsed = 30 * time.Second

func newConnectBackoff(maxElapsed time.Duration) backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed
	return bo
}

// Open connects to redisURL (e.g. "redis://localhost:6379/0") and pings it,
// retrying with exponential backoff while the server comes up.
func Open(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	err = backoff.Retry(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}, backoff.WithContext(newConnectBackoff(connectMaxElapsed), ctx))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// watchRetries bounds optimistic-lock retries on contended keys.
const watchRetries = 10

// withWatch runs fn under WATCH on keys, retrying when another client
// modified them before EXEC.
func withWatch(ctx context.Context, client *redis.Client, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < watchRetries; i++ {
		err := client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("watch %v: too much contention", keys)
}
