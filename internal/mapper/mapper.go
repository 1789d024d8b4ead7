package mapper

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/annika-hq/plannersync/internal/identity"
	"github.com/annika-hq/plannersync/internal/types"
)

// MetadataLookup resolves cached plan/bucket metadata. The cache package
// satisfies it.
type MetadataLookup interface {
	GetOrFetch(ctx context.Context, rt types.ResourceType, id string) (*types.MetadataRecord, error)
}

// Mapper converts tasks between the two schemas. It is immutable once built;
// a configuration reload produces a new Mapper.
type Mapper struct {
	users          *identity.Directory
	meta           MetadataLookup
	log            *slog.Logger
	hydrateTimeout time.Duration
}

// Option configures a Mapper.
type Option func(*Mapper)

// WithMetadata enables bucket name and order hint hydration.
func WithMetadata(meta MetadataLookup) Option {
	return func(m *Mapper) { m.meta = meta }
}

// WithHydrateTimeout bounds each metadata lookup (default 2s).
func WithHydrateTimeout(d time.Duration) Option {
	return func(m *Mapper) { m.hydrateTimeout = d }
}

// WithLogger sets the logger used for hydration misses.
func WithLogger(log *slog.Logger) Option {
	return func(m *Mapper) { m.log = log }
}

// New builds a Mapper around an identity directory.
func New(users *identity.Directory, opts ...Option) *Mapper {
	m := &Mapper{
		users:          users,
		log:            slog.New(slog.DiscardHandler),
		hydrateTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.users == nil {
		m.users = identity.NewDirectory(nil)
	}
	return m
}

// Users returns the directory the mapper was built with.
func (m *Mapper) Users() *identity.Directory {
	return m.users
}

// WithUsers returns a copy of m using a different directory.
func (m *Mapper) WithUsers(users *identity.Directory) *Mapper {
	c := *m
	c.users = users
	return &c
}

// AssigneeToLocal picks the display name for a task's assignments. No
// assignment means the agent owns it; otherwise the first known user (by id)
// wins, and assignments to nobody we know map to UnknownUser.
func (m *Mapper) AssigneeToLocal(assignments map[string]types.Assignment) string {
	if len(assignments) == 0 {
		return types.UnassignedAgent
	}
	ids := make([]string, 0, len(assignments))
	for id := range assignments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if name, ok := m.users.DisplayName(id); ok {
			return name
		}
	}
	return types.UnknownUser
}

// AssigneeToRemote returns the Planner user id for a local assignee. The
// agent, unknown users and names missing from the directory have no id.
func (m *Mapper) AssigneeToRemote(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, types.UnassignedAgent) || name == types.UnknownUser {
		return "", false
	}
	return m.users.UserID(name)
}

// ToLocal converts a Planner task (and its details, when fetched) into a
// local task. The returned task has no ID; the caller assigns one from the
// mapping store. Bucket metadata is hydrated best-effort.
func (m *Mapper) ToLocal(ctx context.Context, remote *types.RemoteTask, details *types.TaskDetails) *types.LocalTask {
	local := &types.LocalTask{
		Title:           remote.Title,
		Priority:        PriorityToLocal(remote.Priority),
		Status:          StatusFromPercent(remote.PercentComplete),
		PercentComplete: PercentToLocal(remote.PercentComplete),
		AssignedTo:      m.AssigneeToLocal(remote.Assignments),
		ExternalID:      remote.ID,
		RemotePlanID:    remote.PlanID,
		RemoteBucketID:  remote.BucketID,
		CreatedAt:       normalizeTimestamp(remote.CreatedDateTime),
		ModifiedAt:      normalizeTimestamp(remote.LastModifiedDateTime),
	}
	if remote.DueDateTime != nil {
		local.DueDate = DueDateToLocal(*remote.DueDateTime)
	}
	if details != nil {
		local.Description = details.Description
		entries := types.EntriesFromChecklist(details.Checklist)
		for _, id := range orderedIDs(entries) {
			local.Subtasks = append(local.Subtasks, SubtaskID(id))
		}
	}
	if remote.BucketID != "" {
		if rec := m.hydrate(ctx, types.ResourceBucket, remote.BucketID); rec != nil {
			local.RemoteBucketName = rec.DisplayName
			local.RemoteBucketOrderHint = rec.OrderHint
		}
	}
	return local
}

func normalizeTimestamp(s string) string {
	if ts, ok := types.ParseTimestamp(s); ok {
		return types.FormatTimestamp(ts)
	}
	return s
}

// hydrate never fails: errors, timeouts and a missing cache all yield nil.
func (m *Mapper) hydrate(ctx context.Context, rt types.ResourceType, id string) *types.MetadataRecord {
	if m.meta == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.hydrateTimeout)
	defer cancel()

	type result struct {
		rec *types.MetadataRecord
		err error
	}
	ch := make(chan result, 1)
	go func() {
		rec, err := m.meta.GetOrFetch(ctx, rt, id)
		ch <- result{rec, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			m.log.Debug("metadata hydration skipped", "type", rt, "id", id, "error", r.err)
			return nil
		}
		return r.rec
	case <-ctx.Done():
		m.log.Debug("metadata hydration timed out", "type", rt, "id", id)
		return nil
	}
}

// ToRemote builds the create body for a local task.
func (m *Mapper) ToRemote(local *types.LocalTask) *types.RemotePatch {
	return m.ToRemoteUpdate(local, nil)
}

// ToRemoteUpdate builds the patch that makes current look like local. With a
// nil current every field is sent. Assignments held by current but not
// wanted are removed; a cleared due date is sent as null.
func (m *Mapper) ToRemoteUpdate(local *types.LocalTask, current *types.RemoteTask) *types.RemotePatch {
	title := local.Title
	priority := PriorityToRemote(local.Priority)
	percent := percentForUpload(local)

	patch := &types.RemotePatch{
		Title:           &title,
		Priority:        &priority,
		PercentComplete: &percent,
	}

	if due, ok := DueDateToRemote(local.DueDate); ok {
		patch.DueDateTime = &due
	} else if current != nil && current.DueDateTime != nil {
		patch.ClearDueDate = true
	}

	if assignments, ok := m.assignmentPatch(local.AssignedTo, current); ok {
		patch.Assignments = assignments
	}
	return patch
}

// assignmentPatch returns the assignment changes for an assignee. An
// assignee that is neither the agent nor resolvable leaves the remote
// assignments untouched.
func (m *Mapper) assignmentPatch(assignee string, current *types.RemoteTask) (map[string]*types.Assignment, bool) {
	name := strings.TrimSpace(assignee)
	unassigned := name == "" || strings.EqualFold(name, types.UnassignedAgent)
	wantID, resolved := m.AssigneeToRemote(name)
	if !unassigned && !resolved {
		return nil, false
	}

	assignments := map[string]*types.Assignment{}
	if current != nil {
		for id := range current.Assignments {
			if !resolved || id != wantID {
				assignments[id] = nil
			}
		}
	}
	if resolved && (current == nil || !hasAssignment(current, wantID)) {
		assignments[wantID] = &types.Assignment{
			ODataType: types.AssignmentODataType,
			OrderHint: " !",
		}
	}
	return assignments, len(assignments) > 0
}

func hasAssignment(r *types.RemoteTask, id string) bool {
	_, ok := r.Assignments[id]
	return ok
}

// percentForUpload applies the status override: completed is 100,
// not_started is 0, and in_progress at 0% is sent as Planner's own 50.
func percentForUpload(local *types.LocalTask) int {
	p := PercentToRemote(local.PercentComplete)
	switch local.Status {
	case types.StatusCompleted:
		return 100
	case types.StatusNotStarted:
		return 0
	case types.StatusInProgress:
		if p == 0 {
			return 50
		}
		if p == 100 {
			return 99
		}
	}
	return p
}

// DetailsUpdate builds the details patch for a task: description plus the
// checklist derived from subtasks. existing may be nil for a new task.
func (m *Mapper) DetailsUpdate(local *types.LocalTask, subtasks []*types.LocalTask, existing *types.TaskDetails) (types.DetailsPatch, map[string]string) {
	var patch types.DetailsPatch
	currentDesc := ""
	var currentItems map[string]types.ChecklistItem
	if existing != nil {
		currentDesc = existing.Description
		currentItems = existing.Checklist
	}
	if local.Description != currentDesc {
		desc := local.Description
		patch.Description = &desc
	}
	checklist, renames := m.SubtasksToChecklist(subtasks, currentItems)
	if len(checklist) > 0 {
		patch.Checklist = checklist
	}
	return patch, renames
}

// SubtasksToChecklist builds the checklist patch for a parent's subtasks
// against the items already on the remote task. Items no longer backed by a
// subtask are removed. Subtasks whose id lacks the Task- prefix get a new
// checklist id; renames maps their old local id to the id they must be
// re-keyed to.
func (m *Mapper) SubtasksToChecklist(subtasks []*types.LocalTask, existing map[string]types.ChecklistItem) (types.ChecklistPatch, map[string]string) {
	patch := types.ChecklistPatch{}
	renames := map[string]string{}
	wanted := make(map[string]bool, len(subtasks))

	for _, sub := range subtasks {
		if sub == nil {
			continue
		}
		itemID, ok := ChecklistItemID(sub.ID)
		if !ok {
			itemID = uuid.NewString()
			renames[sub.ID] = SubtaskID(itemID)
		}
		wanted[itemID] = true

		title := TruncateTitle(sub.Title)
		checked := sub.IsCompleted()
		if cur, ok := existing[itemID]; ok && cur.Title == title && cur.IsChecked == checked {
			continue
		}
		item := &types.ChecklistItemPatch{
			ODataType: types.ChecklistItemODataType,
			Title:     title,
			IsChecked: checked,
		}
		if _, ok := existing[itemID]; !ok {
			item.OrderHint = " !"
		}
		patch[itemID] = item
	}
	for id := range existing {
		if !wanted[id] {
			patch[id] = nil
		}
	}
	return patch, renames
}

// ChecklistToSubtasks converts a checklist into local subtasks of parentID,
// ordered by order hint.
func (m *Mapper) ChecklistToSubtasks(parentID string, entries map[string]types.ChecklistEntry) []*types.LocalTask {
	out := make([]*types.LocalTask, 0, len(entries))
	for _, id := range orderedIDs(entries) {
		e := entries[id]
		sub := &types.LocalTask{
			ID:         SubtaskID(id),
			Title:      TruncateTitle(e.Title),
			Priority:   types.PriorityNormal,
			Status:     types.StatusNotStarted,
			AssignedTo: types.UnassignedAgent,
			ParentID:   parentID,
			Source:     types.SourcePlanner,
		}
		if IsChecked(e) {
			sub.Status = types.StatusCompleted
			sub.PercentComplete = 1
		}
		out = append(out, sub)
	}
	return out
}
