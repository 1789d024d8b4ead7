package tracker

import (
	"time"

	"github.com/annika-hq/plannersync/internal/conflict"
	"github.com/annika-hq/plannersync/internal/detector"
	"github.com/annika-hq/plannersync/internal/eventbus"
	"github.com/annika-hq/plannersync/internal/ratelimit"
)

// SyncStats tracks statistics for one sync pass.
type SyncStats struct {
	Pulled    int `json:"pulled"`    // Planner changes applied locally
	Pushed    int `json:"pushed"`    // local tasks written to Planner
	Created   int `json:"created"`   // new tasks on either side
	Updated   int `json:"updated"`   // existing tasks updated on either side
	Deleted   int `json:"deleted"`   // deletions propagated to either side
	Skipped   int `json:"skipped"`   // busy, suppressed, or superseded by the other side
	Deferred  int `json:"deferred"`  // put back for a later attempt
	Errors    int `json:"errors"`    // permanent failures
	Conflicts int `json:"conflicts"` // tasks changed on both sides
}

// SyncResult represents the result of a sync pass.
type SyncResult struct {
	Success   bool       `json:"success"`
	Stats     SyncStats  `json:"stats"`
	LastSync  string     `json:"last_sync,omitempty"`
	Error     string     `json:"error,omitempty"`
	Warnings  []string   `json:"warnings,omitempty"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

// Conflict records a task that changed on both sides and how it was settled.
type Conflict struct {
	LocalID        string          `json:"local_id"`
	RemoteID       string          `json:"remote_id"`
	Winner         string          `json:"winner"`
	Reason         conflict.Reason `json:"reason"`
	LocalModified  string          `json:"local_modified,omitempty"`
	RemoteModified string          `json:"remote_modified,omitempty"`
}

func (r *SyncResult) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

func (r *SyncResult) finish(now time.Time) *SyncResult {
	r.Success = r.Stats.Errors == 0 && r.Error == ""
	r.LastSync = now.UTC().Format(time.RFC3339)
	return r
}

// LaneState is the supervision state of a lane.
type LaneState string

const (
	LaneRunning    LaneState = "running"
	LaneRestarting LaneState = "restarting"
	LaneStopped    LaneState = "stopped"
)

// LaneStatus reports one lane.
type LaneStatus struct {
	State     LaneState `json:"state"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
}

// Health is the engine's monitoring surface.
type Health struct {
	Status    string    `json:"status"` // "ok" or "degraded"
	StartedAt time.Time `json:"started_at,omitempty"`

	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Deferred  int64 `json:"deferred"`
	Conflicts int64 `json:"conflicts"`
	Imported  int64 `json:"imported"`
	Deleted   int64 `json:"deleted"`

	Pending    int   `json:"pending"`
	InFlight   int   `json:"in_flight"`
	Suppressed int   `json:"suppressed"`
	Mappings   int64 `json:"mappings"`

	Hints   eventbus.Stats        `json:"hints"`
	Breaker *ratelimit.Snapshot   `json:"breaker,omitempty"`
	Lanes   map[string]LaneStatus `json:"lanes,omitempty"`
	Plans   []detector.PlanStatus `json:"plans,omitempty"`

	LastLocalPass time.Time `json:"last_local_pass,omitempty"`
	LastPoll      time.Time `json:"last_poll,omitempty"`
}

// Healthy reports an open breaker or a restarting lane as degraded.
func (h Health) Healthy() bool {
	return h.Status == "ok"
}
