// Package ratelimit guards outbound Graph calls: it honours 429 Retry-After
// hints with a shared pause, backs off exponentially when no hint is given,
// optionally throttles proactively, and trips a circuit breaker after
// repeated transient failures.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrCircuitOpen is returned without calling out while the breaker is open,
// or while its single half-open trial is in flight.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Settings configures a Guard. Zero values take the defaults noted.
type Settings struct {
	Name string

	// FailureThreshold consecutive transient failures open the breaker (5).
	FailureThreshold int
	// Cooldown is how long the breaker stays open before a trial call (60s).
	Cooldown time.Duration
	// MaxBackoff caps the pause after a 429 without Retry-After (300s).
	MaxBackoff time.Duration

	// RequestsPerSecond enables a token-bucket throttle when > 0.
	RequestsPerSecond float64
	Burst             int

	// IsRateLimited reports a 429 and its Retry-After hint (zero if absent).
	IsRateLimited func(error) (time.Duration, bool)
	// IsTransient reports failures that count against the breaker.
	IsTransient func(error) bool
	// IsExcluded reports outcomes that say nothing about the remote's
	// health, such as a missing token. Rate limits and cancellation are
	// always excluded.
	IsExcluded func(error) bool
}

// Guard wraps outbound calls. It is safe for concurrent use; every caller
// shares the same pause and breaker.
type Guard struct {
	name          string
	cb            *gobreaker.TwoStepCircuitBreaker
	limiter       *rate.Limiter
	isRateLimited func(error) (time.Duration, bool)
	isTransient   func(error) bool
	isExcluded    func(error) bool
	maxBackoff    time.Duration
	log           *slog.Logger
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	pausedUntil time.Time
	rateLimits  int
	bo          *backoff.ExponentialBackOff
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(g *Guard) { g.log = log }
}

// WithClock replaces time.Now and the pause sleep (tests).
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Guard) {
		g.now = now
		g.sleep = sleep
	}
}

// New builds a Guard.
func New(s Settings, opts ...Option) *Guard {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 60 * time.Second
	}
	if s.MaxBackoff <= 0 {
		s.MaxBackoff = 300 * time.Second
	}
	if s.Name == "" {
		s.Name = "graph"
	}
	if s.IsRateLimited == nil {
		s.IsRateLimited = func(error) (time.Duration, bool) { return 0, false }
	}
	if s.IsTransient == nil {
		s.IsTransient = func(err error) bool { return err != nil }
	}
	if s.IsExcluded == nil {
		s.IsExcluded = func(error) bool { return false }
	}

	g := &Guard{
		name:          s.Name,
		isRateLimited: s.IsRateLimited,
		isTransient:   s.IsTransient,
		isExcluded:    s.IsExcluded,
		maxBackoff:    s.MaxBackoff,
		log:           slog.New(slog.DiscardHandler),
		now:           time.Now,
		sleep:         sleepCtx,
	}
	for _, opt := range opts {
		opt(g)
	}

	// 2s, 4s, 8s ... capped: min(2^n, max) for the n-th consecutive 429.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = s.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()
	g.bo = bo

	if s.RequestsPerSecond > 0 {
		burst := s.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(s.RequestsPerSecond), burst)
	}

	threshold := uint32(s.FailureThreshold)
	g.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return g
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs op once. It first waits out any rate-limit pause, then the
// throttle, then asks the breaker. The op's error is returned unchanged;
// breaker rejections come back as ErrCircuitOpen.
func (g *Guard) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if err := g.waitPause(ctx); err != nil {
		return err
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	done, err := g.cb.Allow()
	if err != nil {
		return fmt.Errorf("%s: %w", g.name, ErrCircuitOpen)
	}
	// Only one request is let through while half-open, so the state cannot
	// move until done is called.
	trial := g.cb.State() == gobreaker.StateHalfOpen

	defer func() {
		if r := recover(); r != nil {
			done(false)
			panic(r)
		}
	}()
	err = op(ctx)
	g.report(done, trial, err)

	if wait, limited := g.isRateLimited(err); limited {
		g.pause(wait)
		return err
	}
	if err == nil {
		g.mu.Lock()
		g.rateLimits = 0
		g.bo.Reset()
		g.mu.Unlock()
	}
	return err
}

// report hands the outcome of one call to the breaker. Answers from Graph
// other than transient failures are successes. An excluded outcome is not
// reported while closed; as a half-open trial it proves nothing, so the
// breaker re-opens and waits another cooldown before the next trial.
func (g *Guard) report(done func(bool), trial bool, err error) {
	switch {
	case g.excluded(err):
		if trial {
			g.log.Info("half-open trial was inconclusive", "breaker", g.name, "error", err)
			done(false)
		}
	case err != nil && g.isTransient(err):
		done(false)
	default:
		done(true)
	}
}

func (g *Guard) excluded(err error) bool {
	if err == nil {
		return false
	}
	if _, limited := g.isRateLimited(err); limited {
		return true
	}
	return errors.Is(err, context.Canceled) || g.isExcluded(err)
}

func (g *Guard) waitPause(ctx context.Context) error {
	for {
		g.mu.Lock()
		d := g.pausedUntil.Sub(g.now())
		g.mu.Unlock()
		if d <= 0 {
			return nil
		}
		if err := g.sleep(ctx, d); err != nil {
			return err
		}
	}
}

func (g *Guard) pause(hint time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rateLimits++
	wait := hint
	source := "retry-after"
	if wait <= 0 {
		wait = g.bo.NextBackOff()
		source = "backoff"
	}
	if wait > g.maxBackoff {
		wait = g.maxBackoff
	}
	until := g.now().Add(wait)
	if until.After(g.pausedUntil) {
		g.pausedUntil = until
	}
	g.log.Warn("rate limited, pausing outbound calls",
		"breaker", g.name, "wait", wait, "source", source, "consecutive", g.rateLimits)
}

// Snapshot is the guard's state for health reporting.
type Snapshot struct {
	State                 string    `json:"state"`
	ConsecutiveFailures   uint32    `json:"consecutive_failures"`
	ConsecutiveRateLimits int       `json:"consecutive_rate_limits"`
	PausedUntil           time.Time `json:"paused_until,omitempty"`
}

// Snapshot returns the current breaker and pause state.
func (g *Guard) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := Snapshot{
		State:                 g.cb.State().String(),
		ConsecutiveFailures:   g.cb.Counts().ConsecutiveFailures,
		ConsecutiveRateLimits: g.rateLimits,
	}
	if g.pausedUntil.After(g.now()) {
		s.PausedUntil = g.pausedUntil
	}
	return s
}

// IsDeferred reports errors that mean "try this again later" rather than a
// failure of the call itself.
func IsDeferred(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
