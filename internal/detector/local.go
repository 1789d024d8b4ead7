// Package detector finds tasks that need syncing: locally modified tasks
// that must be uploaded, and Planner tasks that are new, changed or gone.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/annika-hq/plannersync/internal/storage"
	"github.com/annika-hq/plannersync/internal/types"
)

// LocalStore is the read side of the Annika task store.
type LocalStore interface {
	ListTaskIDs(ctx context.Context) ([]string, error)
	GetTask(ctx context.Context, id string) (*types.LocalTask, error)
}

// SyncState exposes the upload marks and the local side of the mapping.
type SyncState interface {
	UploadMarks(ctx context.Context) (map[string]string, error)
	LocalMappings(ctx context.Context) (map[string]string, error)
}

// DetectOptions narrows or widens a detection pass.
type DetectOptions struct {
	// Since skips tasks last modified before it (startup catch-up).
	Since time.Time
	// Force ignores upload marks and treats every task as dirty (full resync).
	Force bool
}

// Deletion is a linked local task that no longer exists.
type Deletion struct {
	LocalID  string
	RemoteID string
}

// DirtySet is the result of one detection pass. Every id in it has been
// claimed in-flight and must be handed back with Release.
type DirtySet struct {
	Upload    []*types.LocalTask
	Deleted   []Deletion
	InFlight  int // dirty but skipped because another pass owns them
	Excluded  int // completed and never linked
	Malformed int
}

// Empty reports whether there is nothing to do.
func (d *DirtySet) Empty() bool {
	return len(d.Upload) == 0 && len(d.Deleted) == 0
}

// LocalDetector computes the dirty set by comparing each task's modified_at
// with the modified_at last uploaded. Notifications only trigger a pass;
// their payload is never trusted.
type LocalDetector struct {
	tasks            LocalStore
	state            SyncState
	excludeCompleted bool
	log              *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewLocalDetector builds a detector. With excludeCompleted, a completed task
// that was never linked is not uploaded, and a linked one is uploaded only
// until its completion has been recorded.
func NewLocalDetector(tasks LocalStore, state SyncState, excludeCompleted bool, log *slog.Logger) *LocalDetector {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &LocalDetector{
		tasks:            tasks,
		state:            state,
		excludeCompleted: excludeCompleted,
		log:              log,
		inflight:         make(map[string]struct{}),
	}
}

// Claim atomically adds id to the in-flight set. It reports false if id
// was already there.
func (d *LocalDetector) Claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[id]; busy {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

// Release returns ids to the pool of detectable tasks.
func (d *LocalDetector) Release(ids ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		delete(d.inflight, id)
	}
}

// InFlight is the number of tasks currently claimed.
func (d *LocalDetector) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Detect runs one pass. A dirty subtask puts its parent in the set, since
// subtasks travel as the parent's checklist.
func (d *LocalDetector) Detect(ctx context.Context, opts DetectOptions) (*DirtySet, error) {
	ids, err := d.tasks.ListTaskIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list local tasks: %w", err)
	}
	marks, err := d.state.UploadMarks(ctx)
	if err != nil {
		return nil, err
	}
	links, err := d.state.LocalMappings(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	set := &DirtySet{}
	present := make(map[string]bool, len(ids))
	loaded := make(map[string]*types.LocalTask, len(ids))
	wanted := make(map[string]bool)
	var order []string

	load := func(id string) *types.LocalTask {
		if t, ok := loaded[id]; ok {
			return t
		}
		t, err := d.tasks.GetTask(ctx, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil
		case errors.Is(err, storage.ErrMalformed):
			set.Malformed++
			d.log.Warn("skipping malformed local task", "local_id", id, "error", err)
			loaded[id] = nil
			return nil
		case err != nil:
			d.log.Warn("reading local task failed", "local_id", id, "error", err)
			return nil
		}
		loaded[id] = t
		return t
	}

	for _, id := range ids {
		present[id] = true
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		t := load(id)
		if t == nil {
			continue
		}
		if mark, ok := marks[id]; ok && !opts.Force && mark == t.ModifiedAt {
			continue
		}
		if !opts.Since.IsZero() {
			if mod, ok := t.ModifiedTime(); ok && mod.Before(opts.Since) {
				continue
			}
		}
		target := id
		if t.ParentID != "" {
			target = t.ParentID
		}
		if !wanted[target] {
			wanted[target] = true
			order = append(order, target)
		}
	}

	for _, id := range order {
		t := load(id)
		if t == nil {
			continue
		}
		linked := links[id] != "" || t.ExternalID != ""
		if d.excludeCompleted && t.IsCompleted() && !linked {
			set.Excluded++
			continue
		}
		if !d.Claim(id) {
			set.InFlight++
			continue
		}
		set.Upload = append(set.Upload, t)
	}

	for localID, remoteID := range links {
		if present[localID] {
			continue
		}
		if !d.Claim(localID) {
			set.InFlight++
			continue
		}
		set.Deleted = append(set.Deleted, Deletion{LocalID: localID, RemoteID: remoteID})
	}
	sort.Slice(set.Deleted, func(i, j int) bool { return set.Deleted[i].LocalID < set.Deleted[j].LocalID })

	return set, nil
}

// SubtasksOf loads the subtasks a parent lists, skipping missing ones.
func SubtasksOf(ctx context.Context, store LocalStore, parent *types.LocalTask) []*types.LocalTask {
	subs := make([]*types.LocalTask, 0, len(parent.Subtasks))
	for _, id := range parent.Subtasks {
		t, err := store.GetTask(ctx, id)
		if err != nil {
			continue
		}
		subs = append(subs, t)
	}
	return subs
}
