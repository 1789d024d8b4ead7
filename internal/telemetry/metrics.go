package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const syncScopeName = "github.com/annika-hq/plannersync/sync"

// Direction labels which way a task moved.
const (
	DirectionUpload   = "upload"
	DirectionDownload = "download"
)

// SyncMetrics records the engine's counters. A nil *SyncMetrics is valid and
// records nothing.
type SyncMetrics struct {
	tracer    trace.Tracer
	processed metric.Int64Counter
	failed    metric.Int64Counter
	deferred  metric.Int64Counter
	conflicts metric.Int64Counter
	deleted   metric.Int64Counter
	imported  metric.Int64Counter
	polls     metric.Int64Counter
	pollDur   metric.Float64Histogram
	pending   metric.Int64Gauge
	breaker   metric.Int64Gauge
}

// NewSyncMetrics creates the instruments on mp, or on the global provider
// when mp is nil.
func NewSyncMetrics(mp metric.MeterProvider) *SyncMetrics {
	var m metric.Meter
	if mp == nil {
		m = Meter(syncScopeName)
	} else {
		m = mp.Meter(syncScopeName)
	}
	processed, _ := m.Int64Counter("plannersync.tasks.processed",
		metric.WithDescription("Tasks synced successfully, by direction"),
	)
	failed, _ := m.Int64Counter("plannersync.tasks.failed",
		metric.WithDescription("Task sync attempts that failed permanently"),
	)
	deferred, _ := m.Int64Counter("plannersync.tasks.deferred",
		metric.WithDescription("Task sync attempts deferred by throttling or an open breaker"),
	)
	conflicts, _ := m.Int64Counter("plannersync.conflicts",
		metric.WithDescription("Conflicts resolved, by winner"),
	)
	deleted, _ := m.Int64Counter("plannersync.tasks.deleted",
		metric.WithDescription("Deletions propagated, by the side that was deleted"),
	)
	imported, _ := m.Int64Counter("plannersync.tasks.imported",
		metric.WithDescription("Planner tasks imported as new local tasks"),
	)
	polls, _ := m.Int64Counter("plannersync.plan.polls",
		metric.WithDescription("Plan polls, by outcome"),
	)
	pollDur, _ := m.Float64Histogram("plannersync.poll.duration",
		metric.WithDescription("Poll pass duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	pending, _ := m.Int64Gauge("plannersync.upload.pending",
		metric.WithDescription("Tasks waiting in the upload queue"),
	)
	breaker, _ := m.Int64Gauge("plannersync.breaker.state",
		metric.WithDescription("Circuit breaker state: 0 closed, 1 half-open, 2 open"),
	)
	return &SyncMetrics{
		tracer:    Tracer(syncScopeName),
		processed: processed,
		failed:    failed,
		deferred:  deferred,
		conflicts: conflicts,
		deleted:   deleted,
		imported:  imported,
		polls:     polls,
		pollDur:   pollDur,
		pending:   pending,
		breaker:   breaker,
	}
}

func dirAttr(direction string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("direction", direction))
}

// Processed counts n tasks synced in direction.
func (s *SyncMetrics) Processed(ctx context.Context, direction string, n int) {
	if s == nil || n == 0 {
		return
	}
	s.processed.Add(ctx, int64(n), dirAttr(direction))
}

// Failed counts a permanent failure.
func (s *SyncMetrics) Failed(ctx context.Context, direction string) {
	if s == nil {
		return
	}
	s.failed.Add(ctx, 1, dirAttr(direction))
}

// Deferred counts an attempt put back for later.
func (s *SyncMetrics) Deferred(ctx context.Context, direction string) {
	if s == nil {
		return
	}
	s.deferred.Add(ctx, 1, dirAttr(direction))
}

// Conflict counts a resolved conflict; winner is "local" or "remote".
func (s *SyncMetrics) Conflict(ctx context.Context, winner string) {
	if s == nil {
		return
	}
	s.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("winner", winner)))
}

// Deleted counts a deletion applied to side ("local" or "remote").
func (s *SyncMetrics) Deleted(ctx context.Context, side string) {
	if s == nil {
		return
	}
	s.deleted.Add(ctx, 1, metric.WithAttributes(attribute.String("side", side)))
}

// Imported counts a Planner task created locally.
func (s *SyncMetrics) Imported(ctx context.Context) {
	if s == nil {
		return
	}
	s.imported.Add(ctx, 1)
}

// Poll records one plan poll.
func (s *SyncMetrics) Poll(ctx context.Context, planID string, err error) {
	if s == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.polls.Add(ctx, 1, metric.WithAttributes(attribute.String("plan_id", planID), attribute.String("outcome", outcome)))
}

// PollPass records the duration of one poll pass over all due plans.
func (s *SyncMetrics) PollPass(ctx context.Context, ms float64) {
	if s == nil {
		return
	}
	s.pollDur.Record(ctx, ms)
}

// Pending records the upload queue depth.
func (s *SyncMetrics) Pending(ctx context.Context, n int) {
	if s == nil {
		return
	}
	s.pending.Record(ctx, int64(n))
}

// Breaker records the breaker state by name.
func (s *SyncMetrics) Breaker(ctx context.Context, state string) {
	if s == nil {
		return
	}
	var v int64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	s.breaker.Record(ctx, v)
}

// StartSpan opens a span for one sync operation. The returned func ends it,
// recording err when non-nil.
func (s *SyncMetrics) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if s == nil || s.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := s.tracer.Start(ctx, "plannersync."+name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
