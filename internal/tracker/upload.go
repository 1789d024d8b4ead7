package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/annika-hq/plannersync/internal/conflict"
	"github.com/annika-hq/plannersync/internal/detector"
	"github.com/annika-hq/plannersync/internal/graph"
	"github.com/annika-hq/plannersync/internal/mapper"
	"github.com/annika-hq/plannersync/internal/storage"
	"github.com/annika-hq/plannersync/internal/telemetry"
	"github.com/annika-hq/plannersync/internal/types"
)

// writeRetries bounds the re-read/re-send cycles after a 412.
const writeRetries = 3

// errRemoteGone means the linked Planner task no longer exists.
var errRemoteGone = errors.New("remote task gone")

func (e *Engine) retryPolicy(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, writeRetries), ctx)
}

// uploadLane batches dirty local tasks. A batch is flushed when it holds
// BatchSize tasks or BatchTimeout after its first task arrived.
func (e *Engine) uploadLane(ctx context.Context) error {
	scan := time.NewTicker(e.cfg.LocalScanInterval)
	defer scan.Stop()

	var (
		batch  []string
		dels   []detector.Deletion
		timer  *time.Timer
		flushC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		e.localDet.Release(batch...)
		for _, d := range dels {
			e.localDet.Release(d.LocalID)
		}
		e.pending.Store(0)
	}()

	flush := func() {
		if timer != nil {
			timer.Stop()
			timer, flushC = nil, nil
		}
		if len(batch) == 0 && len(dels) == 0 {
			return
		}
		ids, ds := batch, dels
		batch, dels = nil, nil
		res := &SyncResult{}
		e.processBatch(ctx, ids, ds, res)
		e.log.Info("upload batch complete",
			"tasks", len(ids), "deletions", len(ds),
			"pushed", res.Stats.Pushed, "deleted", res.Stats.Deleted,
			"deferred", res.Stats.Deferred, "errors", res.Stats.Errors, "conflicts", res.Stats.Conflicts)
	}

	detect := func() {
		set, err := e.localDet.Detect(ctx, detector.DetectOptions{})
		if err != nil {
			if ctx.Err() == nil {
				e.log.Warn("local detection failed", "error", err)
			}
			return
		}
		batch = append(batch, taskIDs(set)...)
		dels = append(dels, set.Deleted...)
		n := len(batch) + len(dels)
		e.pending.Store(int64(n))
		e.metrics.Pending(ctx, n)
		switch {
		case n >= e.cfg.BatchSize:
			flush()
		case n > 0 && timer == nil:
			timer = time.NewTimer(e.cfg.BatchTimeout)
			flushC = timer.C
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-scan.C:
			detect()
		case <-e.localWake:
			detect()
		case <-flushC:
			timer, flushC = nil, nil
			flush()
		}
	}
}

// processBatch uploads ids and propagates deletions, releasing every id
// from the in-flight set when done.
func (e *Engine) processBatch(ctx context.Context, ids []string, deletions []detector.Deletion, res *SyncResult) {
	defer func() {
		e.localDet.Release(ids...)
		for _, d := range deletions {
			e.localDet.Release(d.LocalID)
		}
		e.pending.Store(0)
		e.metrics.Pending(ctx, 0)
		e.mu.Lock()
		e.lastLocal = e.now()
		e.mu.Unlock()
		e.recordBreaker(ctx)
	}()

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		e.uploadOne(ctx, id, res)
	}
	for _, d := range deletions {
		if ctx.Err() != nil {
			return
		}
		key := "local:" + d.LocalID
		if e.suppressed(key, "deleted") {
			res.Stats.Skipped++
			continue
		}
		err := e.deleteRemote(ctx, d, res)
		e.settle(ctx, attempt{
			key: key, version: "deleted", op: "delete_remote", direction: telemetry.DirectionUpload,
			localID: d.LocalID, remoteID: d.RemoteID, retry: e.TriggerLocal,
		}, err, res)
	}
}

func (e *Engine) uploadOne(ctx context.Context, id string, res *SyncResult) {
	t, err := e.local.GetTask(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		// Deleted since detection; the next pass sees the deletion.
		return
	}
	a := attempt{key: "local:" + id, op: "upload", direction: telemetry.DirectionUpload, localID: id, retry: e.TriggerLocal}
	if err != nil {
		e.settle(ctx, a, err, res)
		return
	}
	a.version = t.ModifiedAt
	if e.suppressed(a.key, a.version) {
		res.Stats.Skipped++
		return
	}
	a.remoteID, err = e.push(ctx, t, res)
	e.settle(ctx, a, err, res)
}

// push writes t to Planner and returns the remote id.
func (e *Engine) push(ctx context.Context, t *types.LocalTask, res *SyncResult) (remoteID string, err error) {
	ctx, end := e.metrics.StartSpan(ctx, "upload", attribute.String("local_id", t.ID))
	defer func() { end(err) }()

	remoteID, err = e.maps.GetRemoteID(ctx, t.ID)
	if err != nil {
		return "", err
	}
	if remoteID == "" {
		remoteID = t.ExternalID
	}
	m := e.mapper.Load()
	if remoteID == "" {
		return e.create(ctx, m, t, res)
	}
	err = e.update(ctx, m, t, remoteID, res)
	if errors.Is(err, errRemoteGone) {
		e.log.Info("linked planner task is gone, deleting local copy", "local_id", t.ID, "remote_id", remoteID)
		return remoteID, e.deleteLocal(ctx, t.ID, remoteID, res)
	}
	return remoteID, err
}

func (e *Engine) create(ctx context.Context, m *mapper.Mapper, t *types.LocalTask, res *SyncResult) (string, error) {
	plan := firstNonEmpty(t.RemotePlanID, e.cfg.DefaultPlanID)
	if plan == "" {
		return "", fmt.Errorf("task %s: %w", t.ID, ErrNoPlan)
	}
	patch := m.ToRemote(t)
	patch.PlanID = plan
	patch.BucketID = firstNonEmpty(t.RemoteBucketID, e.cfg.DefaultBucketID)

	created, err := e.remote.CreateTask(ctx, patch)
	if err != nil {
		return "", err
	}
	// Keep the poll lane from importing the new task before it is mapped.
	if imported := types.ImportedIDPrefix + created.ID; e.localDet.Claim(imported) {
		defer e.localDet.Release(imported)
	}
	if err := e.maps.StoreMapping(ctx, types.Mapping{LocalID: t.ID, RemoteID: created.ID, PlanID: created.PlanID, ETag: created.ETag}); err != nil {
		e.log.Error("planner task created but mapping not stored", "local_id", t.ID, "remote_id", created.ID, "error", err)
		return created.ID, err
	}
	if err := e.local.SetTaskField(ctx, t.ID, "external_id", created.ID); err != nil {
		return created.ID, err
	}
	if err := e.local.SetTaskField(ctx, t.ID, "remote_plan_id", created.PlanID); err != nil {
		return created.ID, err
	}
	e.log.Info("created planner task", "local_id", t.ID, "remote_id", created.ID, "plan_id", created.PlanID)

	subs, err := e.pushDetails(ctx, m, t, created.ID)
	if err != nil {
		return created.ID, err
	}
	res.Stats.Created++
	res.Stats.Pushed++
	return created.ID, e.markSynced(ctx, t, subs)
}

func (e *Engine) update(ctx context.Context, m *mapper.Mapper, t *types.LocalTask, remoteID string, res *SyncResult) error {
	var (
		updated    *types.RemoteTask
		superseded *types.RemoteTask
		recorded   bool
	)
	op := func() error {
		cur, err := e.remote.GetTask(ctx, remoteID)
		if graph.IsNotFound(err) {
			return backoff.Permanent(errRemoteGone)
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		stored, err := e.maps.GetVersionToken(ctx, remoteID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if stored != "" && stored != cur.ETag {
			d := e.resolver.Resolve(t, cur)
			if !recorded {
				e.recordConflict(ctx, res, t, cur, d)
				recorded = true
			}
			if d.Winner == conflict.RemoteWins {
				superseded = cur
				return nil
			}
		}

		patch := m.ToRemoteUpdate(t, cur)
		if t.RemoteBucketID != "" && t.RemoteBucketID != cur.BucketID {
			patch.BucketID = t.RemoteBucketID
		}
		updated, err = e.remote.UpdateTask(ctx, remoteID, cur.ETag, patch)
		if graph.IsPreconditionFailed(err) {
			e.log.Debug("planner task changed under us, retrying", "local_id", t.ID, "remote_id", remoteID)
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, e.retryPolicy(ctx)); err != nil {
		return err
	}

	if superseded != nil {
		if err := e.applyRemote(ctx, superseded, t.ID); err != nil {
			return err
		}
		res.Stats.Pulled++
		res.Stats.Updated++
		return nil
	}

	if err := e.maps.StoreMapping(ctx, types.Mapping{LocalID: t.ID, RemoteID: remoteID, PlanID: updated.PlanID, ETag: updated.ETag}); err != nil {
		return err
	}
	subs, err := e.pushDetails(ctx, m, t, remoteID)
	if err != nil {
		return err
	}
	res.Stats.Updated++
	res.Stats.Pushed++
	return e.markSynced(ctx, t, subs)
}

// pushDetails writes description and checklist. Subtasks without a
// checklist-derived id are re-keyed locally before the patch is sent.
func (e *Engine) pushDetails(ctx context.Context, m *mapper.Mapper, t *types.LocalTask, remoteID string) ([]*types.LocalTask, error) {
	subs := detector.SubtasksOf(ctx, e.local, t)
	op := func() error {
		details, err := e.remote.GetTaskDetails(ctx, remoteID)
		if err != nil {
			return backoff.Permanent(err)
		}
		patch, renames := m.DetailsUpdate(t, subs, details)
		if len(renames) > 0 {
			if err := e.rekeySubtasks(ctx, t, subs, renames); err != nil {
				return backoff.Permanent(err)
			}
		}
		if patch.IsEmpty() {
			return nil
		}
		_, err = e.remote.UpdateTaskDetails(ctx, remoteID, details.ETag, patch)
		if graph.IsPreconditionFailed(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, e.retryPolicy(ctx)); err != nil {
		return nil, err
	}
	return subs, nil
}

// rekeySubtasks moves subtasks to their checklist-derived ids and points the
// parent at them. subs and t.Subtasks are updated in place.
func (e *Engine) rekeySubtasks(ctx context.Context, t *types.LocalTask, subs []*types.LocalTask, renames map[string]string) error {
	for i, sub := range subs {
		newID, ok := renames[sub.ID]
		if !ok {
			continue
		}
		oldID := sub.ID
		moved := sub.Clone()
		moved.ID = newID
		moved.ParentID = t.ID
		if err := e.local.PutTask(ctx, moved); err != nil {
			return err
		}
		if err := e.local.DeleteTask(ctx, oldID); err != nil {
			return err
		}
		if err := e.maps.ClearUploaded(ctx, oldID); err != nil {
			return err
		}
		subs[i] = moved
		for j, id := range t.Subtasks {
			if id == oldID {
				t.Subtasks[j] = newID
			}
		}
		e.announce(ctx, oldID, "delete")
		e.announce(ctx, newID, "upsert")
		e.log.Debug("re-keyed subtask", "parent_id", t.ID, "from", oldID, "to", newID)
	}
	return e.local.SetTaskField(ctx, t.ID, "subtasks", t.Subtasks)
}

// markSynced records the uploaded versions. A task edited since it was read
// keeps a newer modified_at and stays dirty.
func (e *Engine) markSynced(ctx context.Context, t *types.LocalTask, subs []*types.LocalTask) error {
	if err := e.maps.MarkUploaded(ctx, t.ID, t.ModifiedAt); err != nil {
		return err
	}
	for _, sub := range subs {
		if err := e.maps.MarkUploaded(ctx, sub.ID, sub.ModifiedAt); err != nil {
			return err
		}
	}
	return nil
}

// deleteRemote deletes the Planner task of a deleted local task. A task
// already gone counts as deleted.
func (e *Engine) deleteRemote(ctx context.Context, d detector.Deletion, res *SyncResult) error {
	op := func() error {
		cur, err := e.remote.GetTask(ctx, d.RemoteID)
		if graph.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		err = e.remote.DeleteTask(ctx, d.RemoteID, cur.ETag)
		switch {
		case graph.IsNotFound(err):
			return nil
		case graph.IsPreconditionFailed(err):
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, e.retryPolicy(ctx)); err != nil {
		return err
	}
	if err := e.maps.RemoveMapping(ctx, d.LocalID, d.RemoteID); err != nil {
		return err
	}
	res.Stats.Deleted++
	e.deleted.Add(1)
	e.metrics.Deleted(ctx, "remote")
	e.log.Info("deleted planner task", "local_id", d.LocalID, "remote_id", d.RemoteID)
	return nil
}

func (e *Engine) announce(ctx context.Context, id, action string) {
	if err := e.local.Announce(ctx, id, action); err != nil {
		e.log.Debug("announce failed", "local_id", id, "action", action, "error", err)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
