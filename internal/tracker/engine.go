package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/annika-hq/plannersync/internal/conflict"
	"github.com/annika-hq/plannersync/internal/detector"
	"github.com/annika-hq/plannersync/internal/eventbus"
	"github.com/annika-hq/plannersync/internal/identity"
	"github.com/annika-hq/plannersync/internal/mapper"
	"github.com/annika-hq/plannersync/internal/ratelimit"
	"github.com/annika-hq/plannersync/internal/telemetry"
)

// ErrNoPlan means a local task could not be created in Planner because
// neither the task nor the configuration names a plan.
var ErrNoPlan = errors.New("no target plan for task")

// BreakerState reports the outbound guard's state. ratelimit.Guard
// implements it.
type BreakerState interface {
	Snapshot() ratelimit.Snapshot
}

// Engine orchestrates synchronization between the Annika task store and
// Planner.
type Engine struct {
	remote   RemoteAPI
	local    LocalStore
	maps     Mappings
	cfg      Config
	resolver *conflict.Resolver
	mapper   atomic.Pointer[mapper.Mapper]

	localDet  *detector.LocalDetector
	remoteDet *detector.RemoteDetector

	log     *slog.Logger
	metrics *telemetry.SyncMetrics
	breaker BreakerState
	sources []eventbus.Source
	bus     *eventbus.Bus
	now     func() time.Time

	// Callbacks for CLI feedback (optional).
	OnMessage func(msg string)
	OnWarning func(msg string)

	localWake chan struct{}
	pollWake  chan struct{}

	processed atomic.Int64
	failed    atomic.Int64
	deferred  atomic.Int64
	conflicts atomic.Int64
	imported  atomic.Int64
	deleted   atomic.Int64
	pending   atomic.Int64

	mu        sync.Mutex
	failures  map[string]*failureRecord
	timers    map[*time.Timer]struct{}
	lanes     map[string]*LaneStatus
	startedAt time.Time
	lastLocal time.Time
	lastPoll  time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics records counters through m.
func WithMetrics(m *telemetry.SyncMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithBreaker reports b's state in Health.
func WithBreaker(b BreakerState) Option {
	return func(e *Engine) { e.breaker = b }
}

// WithSources feeds change hints from srcs into the hints lane.
func WithSources(srcs ...eventbus.Source) Option {
	return func(e *Engine) { e.sources = append(e.sources, srcs...) }
}

// WithMapper replaces the default field mapper (no metadata hydration,
// assignees from Config.Users).
func WithMapper(m *mapper.Mapper) Option {
	return func(e *Engine) { e.mapper.Store(m) }
}

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine.
func New(remote RemoteAPI, local LocalStore, maps Mappings, cfg Config, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		remote:    remote,
		local:     local,
		maps:      maps,
		cfg:       cfg,
		resolver:  conflict.New(cfg.ConflictGrace),
		log:       slog.New(slog.DiscardHandler),
		now:       time.Now,
		localWake: make(chan struct{}, 1),
		pollWake:  make(chan struct{}, 1),
		failures:  make(map[string]*failureRecord),
		timers:    make(map[*time.Timer]struct{}),
		lanes:     make(map[string]*LaneStatus),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.mapper.Load() == nil {
		e.mapper.Store(mapper.New(identity.NewDirectory(cfg.Users), mapper.WithLogger(e.log)))
	}

	e.bus = eventbus.New(e.log)
	for _, h := range e.Handlers() {
		e.bus.Register(h)
	}

	e.localDet = detector.NewLocalDetector(local, maps, cfg.ExcludeCompleted, e.log)
	ropts := []detector.RemoteOption{
		detector.WithGroups(cfg.GroupIDs),
		detector.WithIntervals(cfg.Intervals),
		detector.WithExcludeCompleted(cfg.ExcludeCompleted),
		detector.WithClock(e.now),
		detector.WithRemoteLogger(e.log),
	}
	if cfg.DefaultPlanID != "" {
		ropts = append(ropts, detector.WithPlans(cfg.DefaultPlanID))
	}
	e.remoteDet = detector.NewRemoteDetector(remote, maps, ropts...)
	return e
}

// Run starts every lane and blocks until ctx is cancelled. A bounded
// catch-up pass over recently modified local tasks runs first; a full
// resync is only ever done by FullSync.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.startedAt = e.now()
	e.mu.Unlock()
	defer e.stopTimers()

	e.log.Info("sync engine starting",
		"batch_size", e.cfg.BatchSize, "batch_timeout", e.cfg.BatchTimeout,
		"catchup_window", e.cfg.CatchUpWindow, "sources", len(e.sources))

	if res, err := e.CatchUp(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		e.log.Warn("startup catch-up failed", "error", err)
	} else {
		e.log.Info("startup catch-up complete", "pushed", res.Stats.Pushed, "errors", res.Stats.Errors, "deferred", res.Stats.Deferred)
	}

	g, gctx := errgroup.WithContext(ctx)
	e.goLane(gctx, g, "upload", e.uploadLane)
	e.goLane(gctx, g, "poll", e.pollLane)
	if len(e.sources) > 0 {
		e.goLane(gctx, g, "hints", e.hintsLane)
	}
	if e.cfg.UsersFile != "" {
		e.goLane(gctx, g, "identity", e.identityLane)
	}
	err := g.Wait()
	e.log.Info("sync engine stopped")
	return err
}

// goLane runs fn under supervision: a crash or panic is logged, recorded in
// the lane status and followed by a restart with exponential backoff. A
// lane that returns nil is done.
func (e *Engine) goLane(ctx context.Context, g *errgroup.Group, name string, fn func(context.Context) error) {
	e.setLane(name, LaneRunning, nil)
	g.Go(func() error {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = time.Second
		bo.MaxInterval = time.Minute
		bo.MaxElapsedTime = 0
		bo.Reset()
		for {
			err := runGuarded(ctx, name, fn)
			if ctx.Err() != nil || err == nil {
				e.setLane(name, LaneStopped, nil)
				return nil
			}
			wait := bo.NextBackOff()
			e.setLane(name, LaneRestarting, err)
			e.log.Error("lane failed, restarting", "lane", name, "error", err, "wait", wait)
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				e.setLane(name, LaneStopped, err)
				return nil
			case <-t.C:
			}
			e.setLane(name, LaneRunning, nil)
		}
	})
}

func runGuarded(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lane %s panicked: %v", name, r)
		}
	}()
	return fn(ctx)
}

func (e *Engine) setLane(name string, state LaneState, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.lanes[name]
	if !ok {
		st = &LaneStatus{}
		e.lanes[name] = st
	}
	if state == LaneRestarting {
		st.Restarts++
	}
	if err != nil {
		st.LastError = err.Error()
	}
	if st.State != state {
		st.Since = e.now()
	}
	st.State = state
}

// after runs fn once d has elapsed unless the engine stops first.
func (e *Engine) after(d time.Duration, fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		e.mu.Lock()
		_, live := e.timers[t]
		delete(e.timers, t)
		e.mu.Unlock()
		if live {
			fn()
		}
	})
	e.timers[t] = struct{}{}
}

func (e *Engine) stopTimers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for t := range e.timers {
		t.Stop()
		delete(e.timers, t)
	}
}

// TriggerLocal asks the upload lane for a detection pass.
func (e *Engine) TriggerLocal() {
	select {
	case e.localWake <- struct{}{}:
	default:
	}
}

// RequestPoll makes planID due immediately, bypassing its interval.
func (e *Engine) RequestPoll(planID string) {
	if planID == "" {
		return
	}
	e.remoteDet.RequestPoll(planID)
	select {
	case e.pollWake <- struct{}{}:
	default:
	}
}

// SetUsers swaps the assignee directory. Work in progress keeps the mapper
// it started with.
func (e *Engine) SetUsers(users *identity.Directory) {
	e.mapper.Store(e.mapper.Load().WithUsers(users))
	e.log.Debug("assignee directory swapped", "users", users.Len())
}

// CatchUp uploads local tasks modified within the catch-up window.
func (e *Engine) CatchUp(ctx context.Context) (*SyncResult, error) {
	return e.SyncSince(ctx, e.now().Add(-e.cfg.CatchUpWindow))
}

// SyncSince uploads local tasks modified at or after since.
func (e *Engine) SyncSince(ctx context.Context, since time.Time) (*SyncResult, error) {
	e.msg("Catching up on local changes since %s", since.UTC().Format(time.RFC3339))
	return e.syncLocal(ctx, detector.DetectOptions{Since: since})
}

// FullSync uploads every local task regardless of upload marks, then polls
// every plan regardless of interval.
func (e *Engine) FullSync(ctx context.Context) (*SyncResult, error) {
	res := &SyncResult{}
	set, err := e.localDet.Detect(ctx, detector.DetectOptions{Force: true})
	if err != nil {
		res.Error = err.Error()
		return res.finish(e.now()), err
	}
	e.msg("Uploading %d local tasks, %d local deletions", len(set.Upload), len(set.Deleted))
	e.processBatch(ctx, taskIDs(set), set.Deleted, res)

	poll := e.pollOnce(ctx, detector.PollOptions{Force: true}, res)
	e.msg("Polled %d plans", len(poll.Plans))
	if poll.ListErr != nil && len(poll.Plans) == 0 {
		res.Error = fmt.Sprintf("plan enumeration failed: %v", poll.ListErr)
	}
	return res.finish(e.now()), ctx.Err()
}

func (e *Engine) syncLocal(ctx context.Context, opts detector.DetectOptions) (*SyncResult, error) {
	res := &SyncResult{}
	set, err := e.localDet.Detect(ctx, opts)
	if err != nil {
		res.Error = err.Error()
		return res.finish(e.now()), err
	}
	e.processBatch(ctx, taskIDs(set), set.Deleted, res)
	return res.finish(e.now()), ctx.Err()
}

func taskIDs(set *detector.DirtySet) []string {
	ids := make([]string, 0, len(set.Upload))
	for _, t := range set.Upload {
		ids = append(ids, t.ID)
	}
	return ids
}

// Health returns counters, breaker state, lane status and plan classes.
func (e *Engine) Health(ctx context.Context) Health {
	h := Health{
		Processed: e.processed.Load(),
		Failed:    e.failed.Load(),
		Deferred:  e.deferred.Load(),
		Conflicts: e.conflicts.Load(),
		Imported:  e.imported.Load(),
		Deleted:   e.deleted.Load(),
		Pending:   int(e.pending.Load()),
		InFlight:  e.localDet.InFlight(),
		Plans:     e.remoteDet.Plans(),
		Lanes:     make(map[string]LaneStatus),
		Hints:     e.bus.Stats(),
	}
	if n, err := e.maps.Count(ctx); err == nil {
		h.Mappings = n
	}

	degraded := false
	if e.breaker != nil {
		snap := e.breaker.Snapshot()
		h.Breaker = &snap
		degraded = snap.State == "open"
	}

	e.mu.Lock()
	h.StartedAt = e.startedAt
	h.LastLocalPass = e.lastLocal
	h.LastPoll = e.lastPoll
	for name, st := range e.lanes {
		h.Lanes[name] = *st
		if st.State == LaneRestarting {
			degraded = true
		}
	}
	for _, rec := range e.failures {
		if rec.count >= e.cfg.FailureThreshold {
			h.Suppressed++
		}
	}
	e.mu.Unlock()

	h.Status = "ok"
	if degraded {
		h.Status = "degraded"
	}
	return h
}

func (e *Engine) recordBreaker(ctx context.Context) {
	if e.breaker != nil {
		e.metrics.Breaker(ctx, e.breaker.Snapshot().State)
	}
}

func (e *Engine) msg(format string, args ...interface{}) {
	if e.OnMessage != nil {
		e.OnMessage(fmt.Sprintf(format, args...))
	}
}

func (e *Engine) warn(res *SyncResult, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if res != nil {
		res.warn(msg)
	}
	if e.OnWarning != nil {
		e.OnWarning(msg)
	}
}
