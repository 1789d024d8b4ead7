package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rateLimitedErr struct{ wait time.Duration }

func (e rateLimitedErr) Error() string { return "429" }

var (
	errTransient = errors.New("503 service unavailable")
	errClient    = errors.New("400 bad request")
	errNoToken   = errors.New("no token")
)

func testSettings() Settings {
	return Settings{
		Name:             "test",
		FailureThreshold: 5,
		Cooldown:         50 * time.Millisecond,
		MaxBackoff:       300 * time.Second,
		IsRateLimited: func(err error) (time.Duration, bool) {
			var rl rateLimitedErr
			if errors.As(err, &rl) {
				return rl.wait, true
			}
			return 0, false
		},
		IsTransient: func(err error) bool { return errors.Is(err, errTransient) },
		IsExcluded:  func(err error) bool { return errors.Is(err, errNoToken) },
	}
}

// fakeClock advances only when the guard sleeps.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	return nil
}

func TestRetryAfterIsHonoured(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := New(testSettings(), WithClock(clock.now, clock.sleep))
	ctx := context.Background()

	start := clock.now()
	err := g.Do(ctx, func(context.Context) error { return rateLimitedErr{wait: 5 * time.Second} })
	require.Error(t, err)
	assert.Equal(t, 1, g.Snapshot().ConsecutiveRateLimits)

	var calledAt time.Time
	err = g.Do(ctx, func(context.Context) error {
		calledAt = clock.now()
		return nil
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calledAt.Sub(start), 5*time.Second, "next call must wait out Retry-After")
	assert.Equal(t, 0, g.Snapshot().ConsecutiveRateLimits, "success resets the counter")
	assert.Equal(t, uint32(0), g.Snapshot().ConsecutiveFailures)
}

func TestBackoffWithoutHintDoublesAndCaps(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := testSettings()
	s.MaxBackoff = 20 * time.Second
	g := New(s, WithClock(clock.now, clock.sleep))
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_ = g.Do(ctx, func(context.Context) error { return rateLimitedErr{} })
	}
	// the first call never sleeps; later calls wait out the previous pause
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 20 * time.Second,
	}, clock.sleeps)
	assert.Equal(t, "closed", g.Snapshot().State, "rate limiting alone never opens the breaker")
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	g := New(testSettings())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := g.Do(ctx, func(context.Context) error { return errTransient })
		require.ErrorIs(t, err, errTransient)
	}
	assert.Equal(t, "open", g.Snapshot().State)

	called := false
	err := g.Do(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, IsDeferred(err))
	assert.False(t, called, "open breaker must not call out")

	time.Sleep(80 * time.Millisecond)

	// half-open: exactly one trial goes through while it is in flight
	release := make(chan struct{})
	started := make(chan struct{})
	var trials int
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = g.Do(ctx, func(context.Context) error {
			trials++
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	err = g.Do(ctx, func(context.Context) error { t.Error("second trial call made"); return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, trials)
	assert.Equal(t, "closed", g.Snapshot().State)
	assert.Equal(t, uint32(0), g.Snapshot().ConsecutiveFailures)
}

func TestFailedTrialReopens(t *testing.T) {
	g := New(testSettings())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = g.Do(ctx, func(context.Context) error { return errTransient })
	}
	time.Sleep(80 * time.Millisecond)
	_ = g.Do(ctx, func(context.Context) error { return errTransient })
	assert.Equal(t, "open", g.Snapshot().State)
}

func TestNonTransientErrorsDoNotTrip(t *testing.T) {
	g := New(testSettings())
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_ = g.Do(ctx, func(context.Context) error { return errNoToken })
		_ = g.Do(ctx, func(context.Context) error { return errClient })
	}
	assert.Equal(t, "closed", g.Snapshot().State)
}

func TestInconclusiveTrialDoesNotClose(t *testing.T) {
	tests := []struct {
		name  string
		trial error
	}{
		{"no token", errNoToken},
		{"rate limited", rateLimitedErr{wait: time.Millisecond}},
		{"cancelled", context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(testSettings())
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				_ = g.Do(ctx, func(context.Context) error { return errTransient })
			}
			require.Equal(t, "open", g.Snapshot().State)
			time.Sleep(80 * time.Millisecond)

			err := g.Do(ctx, func(context.Context) error { return tt.trial })
			require.ErrorIs(t, err, tt.trial)
			assert.NotEqual(t, "closed", g.Snapshot().State)

			called := false
			err = g.Do(ctx, func(context.Context) error { called = true; return errTransient })
			assert.ErrorIs(t, err, ErrCircuitOpen)
			assert.False(t, called, "breaker let a call through after an inconclusive trial")

			// The next cooldown still allows a real trial to close it.
			time.Sleep(80 * time.Millisecond)
			require.NoError(t, g.Do(ctx, func(context.Context) error { return nil }))
			assert.Equal(t, "closed", g.Snapshot().State)
		})
	}
}

func TestExcludedOutcomesKeepFailureCount(t *testing.T) {
	g := New(testSettings())
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_ = g.Do(ctx, func(context.Context) error { return errTransient })
	}
	_ = g.Do(ctx, func(context.Context) error { return errNoToken })
	_ = g.Do(ctx, func(context.Context) error { return context.Canceled })
	assert.Equal(t, uint32(4), g.Snapshot().ConsecutiveFailures)

	_ = g.Do(ctx, func(context.Context) error { return errTransient })
	assert.Equal(t, "open", g.Snapshot().State)
}

func TestPanickingTrialReopens(t *testing.T) {
	g := New(testSettings())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = g.Do(ctx, func(context.Context) error { return errTransient })
	}
	time.Sleep(80 * time.Millisecond)
	assert.Panics(t, func() {
		_ = g.Do(ctx, func(context.Context) error { panic("boom") })
	})
	assert.Equal(t, "open", g.Snapshot().State)
}

func TestPauseRespectsCancellation(t *testing.T) {
	g := New(testSettings())
	_ = g.Do(context.Background(), func(context.Context) error { return rateLimitedErr{wait: time.Hour} })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	called := false
	err := g.Do(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
	assert.False(t, g.Snapshot().PausedUntil.IsZero())
}

func TestThrottle(t *testing.T) {
	s := testSettings()
	s.RequestsPerSecond = 1000
	s.Burst = 1
	g := New(s)
	for i := 0; i < 3; i++ {
		require.NoError(t, g.Do(context.Background(), func(context.Context) error { return nil }))
	}
}
