package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/annika-hq/plannersync/internal/graph"
	"github.com/annika-hq/plannersync/internal/ratelimit"
)

// failureRecord counts consecutive permanent failures of one version of a
// task. A new version starts from zero.
type failureRecord struct {
	version string
	count   int
	lastErr string
	at      time.Time
}

// attempt identifies one unit of work for settle.
type attempt struct {
	key       string // "local:<id>" or "remote:<id>"
	version   string // modified_at or etag
	op        string
	direction string
	localID   string
	remoteID  string
	// retry schedules the work again after a deferral.
	retry func()
}

// isDeferred reports errors that put work back rather than count against it:
// an open breaker, missing credentials, throttling, server trouble, lost
// If-Match races and shutdown.
func isDeferred(err error) bool {
	return ratelimit.IsDeferred(err) ||
		errors.Is(err, graph.ErrNoToken) ||
		graph.IsRateLimited(err) ||
		graph.IsTransient(err) ||
		graph.IsPreconditionFailed(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// suppressed reports whether key has failed FailureThreshold times at this
// version. A different version clears the record.
func (e *Engine) suppressed(key, version string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.failures[key]
	if !ok {
		return false
	}
	if rec.version != version {
		delete(e.failures, key)
		return false
	}
	return rec.count >= e.cfg.FailureThreshold
}

// settle records the outcome of an attempt in counters, metrics and the
// failure table.
func (e *Engine) settle(ctx context.Context, a attempt, err error, res *SyncResult) {
	log := e.log.With("op", a.op, "local_id", a.localID, "remote_id", a.remoteID)

	if err == nil {
		e.mu.Lock()
		delete(e.failures, a.key)
		e.mu.Unlock()
		e.processed.Add(1)
		e.metrics.Processed(ctx, a.direction, 1)
		return
	}

	if isDeferred(err) {
		res.Stats.Deferred++
		e.deferred.Add(1)
		e.metrics.Deferred(ctx, a.direction)
		if ctx.Err() != nil {
			return
		}
		log.Info("deferred", "error", err, "retry_in", e.cfg.RetryDelay)
		if a.retry != nil {
			e.after(e.cfg.RetryDelay, a.retry)
		}
		return
	}

	e.mu.Lock()
	rec, ok := e.failures[a.key]
	if !ok || rec.version != a.version {
		rec = &failureRecord{version: a.version}
		e.failures[a.key] = rec
	}
	rec.count++
	rec.lastErr = err.Error()
	rec.at = e.now()
	count := rec.count
	e.mu.Unlock()

	res.Stats.Errors++
	e.failed.Add(1)
	e.metrics.Failed(ctx, a.direction)
	log.Error("sync failed", "error", err, "attempt", count)
	e.warn(res, "%s %s: %v", a.op, firstNonEmpty(a.localID, a.remoteID), err)
	if count == e.cfg.FailureThreshold {
		log.Warn("suppressing task until it changes", "failures", count)
	}
}
