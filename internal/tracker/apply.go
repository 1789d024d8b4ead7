package tracker

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/annika-hq/plannersync/internal/conflict"
	"github.com/annika-hq/plannersync/internal/detector"
	"github.com/annika-hq/plannersync/internal/graph"
	"github.com/annika-hq/plannersync/internal/storage"
	"github.com/annika-hq/plannersync/internal/telemetry"
	"github.com/annika-hq/plannersync/internal/types"
)

// pollFloor is the shortest gap between two scheduled poll passes.
const pollFloor = time.Second

// pollLane polls plans as they fall due. A requested poll wakes it early.
func (e *Engine) pollLane(ctx context.Context) error {
	first := true
	for {
		var wait time.Duration
		if !first {
			if len(e.remoteDet.Plans()) == 0 {
				wait = e.cfg.Intervals.Normal
			} else if wait = e.remoteDet.NextDue().Sub(e.now()); wait < pollFloor {
				wait = pollFloor
			}
		}
		first = false

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-e.pollWake:
			t.Stop()
		case <-t.C:
		}
		res := &SyncResult{}
		e.pollOnce(ctx, detector.PollOptions{}, res)
		if res.Stats.Pulled+res.Stats.Deleted+res.Stats.Errors > 0 {
			e.log.Info("poll pass complete",
				"pulled", res.Stats.Pulled, "deleted", res.Stats.Deleted,
				"conflicts", res.Stats.Conflicts, "deferred", res.Stats.Deferred, "errors", res.Stats.Errors)
		}
	}
}

// pollOnce runs one poll pass and applies every change it finds.
func (e *Engine) pollOnce(ctx context.Context, opts detector.PollOptions, res *SyncResult) *detector.PollResult {
	start := e.now()
	ctx, end := e.metrics.StartSpan(ctx, "poll", attribute.Bool("force", opts.Force))

	pr := e.remoteDet.Poll(ctx, opts)
	if pr.ListErr != nil {
		e.warn(res, "plan enumeration failed: %v", pr.ListErr)
	}
	for _, plan := range pr.Plans {
		e.metrics.Poll(ctx, plan.PlanID, plan.Err)
		if plan.Err != nil {
			planID := plan.PlanID
			if isDeferred(plan.Err) {
				e.log.Info("plan poll deferred", "plan_id", planID, "error", plan.Err)
				e.after(e.cfg.RetryDelay, func() { e.RequestPoll(planID) })
			} else {
				e.log.Warn("plan poll failed", "plan_id", planID, "error", plan.Err)
				e.warn(res, "plan %s: %v", planID, plan.Err)
			}
		}
		for _, ch := range plan.Changes {
			if ctx.Err() != nil {
				break
			}
			e.applyChange(ctx, ch, res)
		}
	}

	e.metrics.PollPass(ctx, float64(e.now().Sub(start).Milliseconds()))
	e.mu.Lock()
	e.lastPoll = e.now()
	e.mu.Unlock()
	e.recordBreaker(ctx)
	end(pr.ListErr)
	return pr
}

// applyChange applies one remote change under the local task's in-flight
// claim. A task busy in the upload lane is retried with its plan later.
func (e *Engine) applyChange(ctx context.Context, ch detector.Change, res *SyncResult) {
	a := attempt{
		key:       "remote:" + ch.RemoteID,
		op:        "apply_" + string(ch.Kind),
		direction: telemetry.DirectionDownload,
		localID:   ch.LocalID,
		remoteID:  ch.RemoteID,
		retry:     func() { e.RequestPoll(ch.PlanID) },
	}
	if ch.Task != nil {
		a.version = ch.Task.ETag
	} else {
		a.version = "deleted"
	}
	if a.localID == "" {
		a.localID = types.ImportedIDPrefix + ch.RemoteID
	}
	if e.suppressed(a.key, a.version) {
		res.Stats.Skipped++
		return
	}
	if !e.localDet.Claim(a.localID) {
		e.log.Debug("local task busy, retrying later", "local_id", a.localID, "remote_id", ch.RemoteID)
		res.Stats.Skipped++
		e.after(e.cfg.RetryDelay, a.retry)
		return
	}

	var (
		err       error
		wakeLocal bool
	)
	switch ch.Kind {
	case detector.ChangeNew:
		err = e.importTask(ctx, ch, a.localID, res)
	case detector.ChangeUpdated:
		wakeLocal, err = e.pullUpdate(ctx, ch, a.localID, res)
	case detector.ChangeDeleted:
		err = e.confirmDeletion(ctx, ch, a.localID, res)
	}
	e.localDet.Release(a.localID)
	e.settle(ctx, a, err, res)
	if wakeLocal {
		e.TriggerLocal()
	}
}

func (e *Engine) importTask(ctx context.Context, ch detector.Change, localID string, res *SyncResult) error {
	// Linked since the listing, by an upload of a local task.
	if linked, err := e.maps.GetLocalID(ctx, ch.RemoteID); err != nil {
		return err
	} else if linked != "" {
		res.Stats.Skipped++
		return nil
	}
	if err := e.applyRemote(ctx, ch.Task, localID); err != nil {
		return err
	}
	res.Stats.Pulled++
	res.Stats.Created++
	e.imported.Add(1)
	e.metrics.Imported(ctx)
	e.log.Info("imported planner task", "local_id", localID, "remote_id", ch.RemoteID, "plan_id", ch.PlanID)
	return nil
}

// pullUpdate applies a remote edit unless the local task also changed and
// wins on timestamps. It reports whether the local side should be uploaded.
func (e *Engine) pullUpdate(ctx context.Context, ch detector.Change, localID string, res *SyncResult) (bool, error) {
	cur, err := e.local.GetTask(ctx, localID)
	if errors.Is(err, storage.ErrNotFound) {
		// The local deletion is pending upload.
		res.Stats.Skipped++
		return true, nil
	}
	if err != nil {
		return false, err
	}
	mark, err := e.maps.UploadedAt(ctx, localID)
	if err != nil {
		return false, err
	}
	if mark != cur.ModifiedAt {
		d := e.resolver.Resolve(cur, ch.Task)
		e.recordConflict(ctx, res, cur, ch.Task, d)
		if d.Winner == conflict.LocalWins {
			res.Stats.Skipped++
			return true, nil
		}
	}
	if err := e.applyRemote(ctx, ch.Task, localID); err != nil {
		return false, err
	}
	res.Stats.Pulled++
	res.Stats.Updated++
	return false, nil
}

// confirmDeletion re-reads a task missing from its plan's listing. Only a
// 404 deletes the local copy; a task that moved plans is re-indexed.
func (e *Engine) confirmDeletion(ctx context.Context, ch detector.Change, localID string, res *SyncResult) error {
	rt, err := e.remote.GetTask(ctx, ch.RemoteID)
	switch {
	case graph.IsNotFound(err):
		return e.deleteLocal(ctx, localID, ch.RemoteID, res)
	case err != nil:
		return err
	case rt.PlanID != ch.PlanID:
		e.log.Info("planner task moved plans", "remote_id", ch.RemoteID, "from", ch.PlanID, "to", rt.PlanID)
		return e.maps.IndexPlan(ctx, ch.RemoteID, rt.PlanID)
	}
	return nil
}

// applyRemote writes rt and its checklist into the local store under
// localID and records the result as synced.
func (e *Engine) applyRemote(ctx context.Context, rt *types.RemoteTask, localID string) error {
	m := e.mapper.Load()
	details, err := e.remote.GetTaskDetails(ctx, rt.ID)
	if err != nil {
		return err
	}
	next := m.ToLocal(ctx, rt, details)
	next.ID = localID
	if next.ModifiedAt == "" {
		next.ModifiedAt = types.FormatTimestamp(e.now())
	}

	prev, err := e.local.GetTask(ctx, localID)
	switch {
	case err == nil:
		next.CreatedAt = firstNonEmpty(prev.CreatedAt, next.CreatedAt)
		next.Source = prev.Source
		next.ParentID = prev.ParentID
		if next.RemoteBucketName == "" && prev.RemoteBucketID == next.RemoteBucketID {
			next.RemoteBucketName = prev.RemoteBucketName
			next.RemoteBucketOrderHint = prev.RemoteBucketOrderHint
		}
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrMalformed):
		prev = nil
		next.Source = types.SourcePlanner
	default:
		return err
	}

	subs := m.ChecklistToSubtasks(localID, types.EntriesFromChecklist(details.Checklist))
	keep := make(map[string]bool, len(subs))
	for i, sub := range subs {
		keep[sub.ID] = true
		old, err := e.local.GetTask(ctx, sub.ID)
		if err != nil {
			sub.CreatedAt = next.ModifiedAt
			sub.ModifiedAt = next.ModifiedAt
			continue
		}
		merged := old.Clone()
		merged.ParentID = localID
		if old.Title != sub.Title || old.IsCompleted() != sub.IsCompleted() {
			merged.Title = sub.Title
			merged.Status = sub.Status
			merged.PercentComplete = sub.PercentComplete
			merged.ModifiedAt = next.ModifiedAt
		}
		subs[i] = merged
	}
	if prev != nil {
		for _, id := range prev.Subtasks {
			if keep[id] {
				continue
			}
			if strings.HasPrefix(id, types.SubtaskIDPrefix) {
				// Removed from the checklist.
				if err := e.local.DeleteTask(ctx, id); err != nil {
					return err
				}
				if err := e.maps.ClearUploaded(ctx, id); err != nil {
					return err
				}
				e.announce(ctx, id, "delete")
				continue
			}
			// Not uploaded yet; stays attached and dirty.
			next.Subtasks = append(next.Subtasks, id)
		}
	}

	for _, sub := range subs {
		if err := e.local.PutTask(ctx, sub); err != nil {
			return err
		}
	}
	if err := e.local.PutTask(ctx, next); err != nil {
		return err
	}
	if err := e.maps.StoreMapping(ctx, types.Mapping{LocalID: localID, RemoteID: rt.ID, PlanID: rt.PlanID, ETag: rt.ETag}); err != nil {
		return err
	}
	if err := e.markSynced(ctx, next, subs); err != nil {
		return err
	}
	for _, sub := range subs {
		e.announce(ctx, sub.ID, "upsert")
	}
	e.announce(ctx, localID, "upsert")
	return nil
}

// deleteLocal removes a task whose Planner counterpart is gone, with its
// subtasks and mapping.
func (e *Engine) deleteLocal(ctx context.Context, localID, remoteID string, res *SyncResult) error {
	if t, err := e.local.GetTask(ctx, localID); err == nil {
		for _, id := range t.Subtasks {
			if err := e.local.DeleteTask(ctx, id); err != nil {
				return err
			}
			if err := e.maps.ClearUploaded(ctx, id); err != nil {
				return err
			}
		}
	}
	if err := e.local.DeleteTask(ctx, localID); err != nil {
		return err
	}
	if err := e.maps.RemoveMapping(ctx, localID, remoteID); err != nil {
		return err
	}
	res.Stats.Deleted++
	e.deleted.Add(1)
	e.metrics.Deleted(ctx, "local")
	e.announce(ctx, localID, "delete")
	e.log.Info("deleted local task", "local_id", localID, "remote_id", remoteID)
	return nil
}

func (e *Engine) recordConflict(ctx context.Context, res *SyncResult, local *types.LocalTask, remote *types.RemoteTask, d conflict.Decision) {
	winner := d.Winner.String()
	res.Stats.Conflicts++
	res.Conflicts = append(res.Conflicts, Conflict{
		LocalID:        local.ID,
		RemoteID:       remote.ID,
		Winner:         winner,
		Reason:         d.Reason,
		LocalModified:  local.ModifiedAt,
		RemoteModified: remote.LastModifiedDateTime,
	})
	e.conflicts.Add(1)
	e.metrics.Conflict(ctx, winner)
	e.log.Info("conflict resolved",
		"local_id", local.ID, "remote_id", remote.ID,
		"winner", winner, "reason", d.Reason, "delta", d.Delta)
}
