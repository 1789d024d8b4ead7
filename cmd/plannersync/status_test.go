package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annika-hq/plannersync/internal/detector"
	"github.com/annika-hq/plannersync/internal/eventbus"
	"github.com/annika-hq/plannersync/internal/ratelimit"
	"github.com/annika-hq/plannersync/internal/tracker"
)

func TestHealthURL(t *testing.T) {
	assert.Equal(t, "http://localhost:8787/health", healthURL(":8787"))
	assert.Equal(t, "http://sync.internal:9000/health", healthURL("sync.internal:9000"))
}

func TestFetchHealthReadsDegradedDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(tracker.Health{Status: "degraded", Processed: 7})
	}))
	defer srv.Close()

	h, err := fetchHealth(context.Background(), srv.URL+"/health")
	require.NoError(t, err)
	assert.Equal(t, "degraded", h.Status)
	assert.EqualValues(t, 7, h.Processed)
}

func TestFetchHealthRejectsOtherStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := fetchHealth(context.Background(), srv.URL+"/health")
	assert.ErrorContains(t, err, "404")
}

func TestRenderHealth(t *testing.T) {
	color.NoColor = true
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	h := &tracker.Health{
		Status:     "degraded",
		StartedAt:  now.Add(-time.Hour),
		Processed:  12,
		Suppressed: 2,
		Hints:      eventbus.Stats{Dispatched: 40, HandlerErrors: 1},
		Breaker:    &ratelimit.Snapshot{State: "open", ConsecutiveFailures: 5, PausedUntil: now.Add(30 * time.Second)},
		Lanes: map[string]tracker.LaneStatus{
			"upload": {State: tracker.LaneRunning},
			"poll":   {State: tracker.LaneRestarting, Restarts: 2, LastError: "boom"},
		},
		Plans: []detector.PlanStatus{{PlanID: "p1", Title: "Ops", Class: detector.Active, LiveTasks: 14, LastPolled: now.Add(-time.Minute)}},
	}

	var buf bytes.Buffer
	renderHealth(&buf, h, now)
	out := buf.String()
	assert.Contains(t, out, "Status: degraded (up 1h0m0s)")
	assert.Contains(t, out, "2 suppressed")
	assert.Contains(t, out, "Hints 40, unhandled 0, handler errors 1")
	assert.Contains(t, out, "Breaker: open (failures 5, rate limits 0), paused 30s")
	assert.Contains(t, out, "restarts=2 boom")
	assert.Contains(t, out, "Ops active live=14 polled 1m0s ago")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("poll ")), bytes.Index(buf.Bytes(), []byte("upload ")))
}
