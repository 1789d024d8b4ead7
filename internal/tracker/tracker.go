// Package tracker is the sync orchestrator. It keeps the Annika task store and
// Microsoft Planner converging: a local-upload lane batches dirty local tasks
// and writes them to Planner, a remote-poll lane walks plans on their adaptive
// intervals and applies what changed there, and a hints lane turns change
// notifications from either side into immediate work for the other two.
package tracker

import (
	"context"
	"time"

	"github.com/annika-hq/plannersync/internal/config"
	"github.com/annika-hq/plannersync/internal/detector"
	"github.com/annika-hq/plannersync/internal/types"
)

// RemoteAPI is the Planner surface the engine writes through. graph.Client
// implements it.
type RemoteAPI interface {
	detector.RemoteSource
	GetTask(ctx context.Context, taskID string) (*types.RemoteTask, error)
	GetTaskDetails(ctx context.Context, taskID string) (*types.TaskDetails, error)
	CreateTask(ctx context.Context, patch *types.RemotePatch) (*types.RemoteTask, error)
	UpdateTask(ctx context.Context, taskID, etag string, patch *types.RemotePatch) (*types.RemoteTask, error)
	DeleteTask(ctx context.Context, taskID, etag string) error
	UpdateTaskDetails(ctx context.Context, taskID, etag string, patch types.DetailsPatch) (*types.TaskDetails, error)
}

// LocalStore is the Annika task store. storage.TaskStore implements it.
type LocalStore interface {
	detector.LocalStore
	PutTask(ctx context.Context, t *types.LocalTask) error
	DeleteTask(ctx context.Context, id string) error
	SetTaskField(ctx context.Context, id, field string, value interface{}) error
	// Announce tells local consumers the engine wrote a task.
	Announce(ctx context.Context, id, action string) error
}

// Mappings is the ID/ETag mapping store. storage.MappingStore implements it.
type Mappings interface {
	detector.SyncState
	detector.MappingReader
	StoreMapping(ctx context.Context, m types.Mapping) error
	GetRemoteID(ctx context.Context, localID string) (string, error)
	RemoveMapping(ctx context.Context, localID, remoteID string) error
	IndexPlan(ctx context.Context, remoteID, planID string) error
	PlanOf(ctx context.Context, remoteID string) (string, error)
	MarkUploaded(ctx context.Context, localID, modifiedAt string) error
	UploadedAt(ctx context.Context, localID string) (string, error)
	ClearUploaded(ctx context.Context, localID string) error
	Count(ctx context.Context) (int64, error)
}

// Config holds the engine's tunables. Zero values take the defaults noted.
type Config struct {
	// BatchSize flushes the upload batch when this many tasks wait (10).
	BatchSize int
	// BatchTimeout flushes a non-empty batch this long after its first task (5s).
	BatchTimeout time.Duration

	// DefaultPlanID receives local tasks that name no plan. Without it such
	// tasks fail to upload.
	DefaultPlanID   string
	DefaultBucketID string
	GroupIDs        []string

	ExcludeCompleted bool
	ConflictGrace    time.Duration // 30s
	CatchUpWindow    time.Duration // 24h
	// FailureThreshold permanent failures suppress a task until it changes (3).
	FailureThreshold int
	// LocalScanInterval runs a detection pass even without notifications (60s).
	LocalScanInterval time.Duration
	// RetryDelay is how long deferred work waits before it is retried (10s).
	RetryDelay time.Duration

	Intervals detector.Intervals

	// Users and UsersFile feed the assignee directory; UsersFile is watched.
	Users     map[string]string
	UsersFile string
}

// ConfigFromSettings builds a Config from loaded settings.
func ConfigFromSettings(s config.Settings) Config {
	return Config{
		BatchSize:         s.Sync.BatchSize,
		BatchTimeout:      s.Sync.BatchTimeout,
		DefaultPlanID:     s.Graph.DefaultPlanID,
		DefaultBucketID:   s.Graph.DefaultBucketID,
		GroupIDs:          s.Graph.GroupIDs,
		ExcludeCompleted:  s.Sync.ExcludeCompleted,
		ConflictGrace:     s.Sync.ConflictGrace,
		CatchUpWindow:     s.Sync.CatchUpWindow,
		FailureThreshold:  s.Sync.FailureThreshold,
		LocalScanInterval: s.Sync.LocalScanInterval,
		RetryDelay:        s.Sync.RetryDelay,
		Intervals: detector.Intervals{
			Active:          s.Poll.ActiveInterval,
			Normal:          s.Poll.NormalInterval,
			Inactive:        s.Poll.InactiveInterval,
			ActiveThreshold: s.Poll.ActiveThreshold,
		},
		Users:     s.Identity.Users,
		UsersFile: s.Identity.UsersFile,
	}
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 5 * time.Second
	}
	if c.CatchUpWindow <= 0 {
		c.CatchUpWindow = 24 * time.Hour
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.LocalScanInterval <= 0 {
		c.LocalScanInterval = 60 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 10 * time.Second
	}
	def := detector.DefaultIntervals
	if c.Intervals.Active <= 0 {
		c.Intervals.Active = def.Active
	}
	if c.Intervals.Normal <= 0 {
		c.Intervals.Normal = def.Normal
	}
	if c.Intervals.Inactive <= 0 {
		c.Intervals.Inactive = def.Inactive
	}
	if c.Intervals.ActiveThreshold <= 0 {
		c.Intervals.ActiveThreshold = def.ActiveThreshold
	}
	return c
}
