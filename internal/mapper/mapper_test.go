package mapper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annika-hq/plannersync/internal/identity"
	"github.com/annika-hq/plannersync/internal/types"
)

type fakeMeta struct {
	records map[string]*types.MetadataRecord
	err     error
	block   bool
}

func (f *fakeMeta) GetOrFetch(ctx context.Context, rt types.ResourceType, id string) (*types.MetadataRecord, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.records[string(rt)+":"+id], nil
}

func newTestMapper(opts ...Option) *Mapper {
	users := identity.NewDirectory(map[string]string{
		"u-jane": "Jane Doe",
		"u-bob":  "Bob Stone",
	})
	return New(users, opts...)
}

// asRemote applies a create patch to produce the task Planner would return.
func asRemote(id string, p *types.RemotePatch) *types.RemoteTask {
	r := &types.RemoteTask{ID: id, PlanID: "plan-1", Title: *p.Title, Priority: *p.Priority, PercentComplete: *p.PercentComplete, DueDateTime: p.DueDateTime}
	if len(p.Assignments) > 0 {
		r.Assignments = map[string]types.Assignment{}
		for uid, a := range p.Assignments {
			if a != nil {
				r.Assignments[uid] = *a
			}
		}
	}
	return r
}

func TestRoundTripPreservesTitleDueDateAndEnums(t *testing.T) {
	m := newTestMapper()
	ctx := context.Background()

	tasks := []*types.LocalTask{
		{ID: "a", Title: "Write report", Priority: types.PriorityHigh, Status: types.StatusInProgress, PercentComplete: 0.4, DueDate: "2025-07-01", AssignedTo: "Jane Doe"},
		{ID: "b", Title: "Ship it", Priority: types.PriorityUrgent, Status: types.StatusCompleted, PercentComplete: 1},
		{ID: "c", Title: "Idea", Priority: types.PriorityLow, Status: types.StatusNotStarted, AssignedTo: types.UnassignedAgent},
		{ID: "d", Title: "Review", Priority: types.PriorityNormal, Status: types.StatusInProgress, PercentComplete: 0.99},
	}
	for _, local := range tasks {
		t.Run(local.ID, func(t *testing.T) {
			back := m.ToLocal(ctx, asRemote("r-"+local.ID, m.ToRemote(local)), nil)
			assert.Equal(t, local.Title, back.Title)
			assert.Equal(t, local.DueDate, back.DueDate)
			assert.Equal(t, local.Priority, back.Priority)
			assert.Equal(t, local.Status, back.Status)
			if local.AssignedTo != "" {
				assert.Equal(t, local.AssignedTo, back.AssignedTo)
			}
		})
	}
}

func TestToRemoteStatusOverrides(t *testing.T) {
	m := newTestMapper()
	tests := []struct {
		name  string
		local types.LocalTask
		want  int
	}{
		{"completed forces 100", types.LocalTask{Status: types.StatusCompleted, PercentComplete: 0.3}, 100},
		{"not started forces 0", types.LocalTask{Status: types.StatusNotStarted, PercentComplete: 0.3}, 0},
		{"in progress at zero is 50", types.LocalTask{Status: types.StatusInProgress}, 50},
		{"in progress keeps percent", types.LocalTask{Status: types.StatusInProgress, PercentComplete: 0.25}, 25},
		{"no status uses percent", types.LocalTask{PercentComplete: 0.7}, 70},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := m.ToRemote(&tt.local)
			if *p.PercentComplete != tt.want {
				t.Errorf("PercentComplete = %d, want %d", *p.PercentComplete, tt.want)
			}
		})
	}
}

func TestToRemoteUpdateAssignmentsAndDueDate(t *testing.T) {
	m := newTestMapper()
	due := "2025-01-01T00:00:00Z"
	current := &types.RemoteTask{
		ID:          "r1",
		PlanID:      "p1",
		DueDateTime: &due,
		Assignments: map[string]types.Assignment{"u-bob": {}},
	}

	p := m.ToRemoteUpdate(&types.LocalTask{Title: "t", AssignedTo: "jane doe"}, current)
	assert.True(t, p.ClearDueDate)
	require.Contains(t, p.Assignments, "u-bob")
	assert.Nil(t, p.Assignments["u-bob"])
	require.NotNil(t, p.Assignments["u-jane"])
	assert.Equal(t, types.AssignmentODataType, p.Assignments["u-jane"].ODataType)

	// handing back to the agent clears every assignment
	p = m.ToRemoteUpdate(&types.LocalTask{Title: "t", AssignedTo: types.UnassignedAgent}, current)
	assert.Len(t, p.Assignments, 1)
	assert.Nil(t, p.Assignments["u-bob"])

	// an unresolvable name leaves assignments alone
	p = m.ToRemoteUpdate(&types.LocalTask{Title: "t", AssignedTo: "Stranger"}, current)
	assert.Nil(t, p.Assignments)
	p = m.ToRemoteUpdate(&types.LocalTask{Title: "t", AssignedTo: types.UnknownUser}, current)
	assert.Nil(t, p.Assignments)

	// already assigned, nothing to change
	current.Assignments = map[string]types.Assignment{"u-jane": {}}
	p = m.ToRemoteUpdate(&types.LocalTask{Title: "t", AssignedTo: "Jane Doe"}, current)
	assert.Nil(t, p.Assignments)
}

func TestAssigneeToLocal(t *testing.T) {
	m := newTestMapper()
	assert.Equal(t, types.UnassignedAgent, m.AssigneeToLocal(nil))
	assert.Equal(t, types.UnknownUser, m.AssigneeToLocal(map[string]types.Assignment{"u-zzz": {}}))
	assert.Equal(t, "Bob Stone", m.AssigneeToLocal(map[string]types.Assignment{"u-zzz": {}, "u-bob": {}, "u-jane": {}}))
}

func TestToLocalHydratesBucket(t *testing.T) {
	meta := &fakeMeta{records: map[string]*types.MetadataRecord{
		"bucket:b1": {Type: types.ResourceBucket, ID: "b1", DisplayName: "Doing", OrderHint: "8585"},
	}}
	m := newTestMapper(WithMetadata(meta))
	due := "2025-02-03T00:00:00Z"
	remote := &types.RemoteTask{
		ID: "r1", PlanID: "p1", BucketID: "b1", Title: "Hydrate me",
		Priority: 5, PercentComplete: 50, DueDateTime: &due,
		LastModifiedDateTime: "2025-02-01T10:00:00Z",
	}
	details := &types.TaskDetails{
		Description: "notes",
		Checklist: map[string]types.ChecklistItem{
			"c2": {Title: "second", OrderHint: "2"},
			"c1": {Title: "first", OrderHint: "1"},
		},
	}

	local := m.ToLocal(context.Background(), remote, details)
	assert.Equal(t, "Doing", local.RemoteBucketName)
	assert.Equal(t, "8585", local.RemoteBucketOrderHint)
	assert.Equal(t, "r1", local.ExternalID)
	assert.Equal(t, "2025-02-03", local.DueDate)
	assert.Equal(t, types.StatusInProgress, local.Status)
	assert.Equal(t, "notes", local.Description)
	assert.Equal(t, []string{"Task-c1", "Task-c2"}, local.Subtasks)
}

func TestToLocalHydrationNeverFails(t *testing.T) {
	remote := &types.RemoteTask{ID: "r1", PlanID: "p1", BucketID: "b1", Title: "x"}

	m := newTestMapper(WithMetadata(&fakeMeta{err: errors.New("redis down")}))
	local := m.ToLocal(context.Background(), remote, nil)
	assert.Empty(t, local.RemoteBucketName)

	m = newTestMapper(WithMetadata(&fakeMeta{block: true}), WithHydrateTimeout(20*time.Millisecond))
	start := time.Now()
	local = m.ToLocal(context.Background(), remote, nil)
	assert.Empty(t, local.RemoteBucketName)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSubtasksToChecklist(t *testing.T) {
	m := newTestMapper()
	existing := map[string]types.ChecklistItem{
		"keep":  {Title: "Keep me", IsChecked: false},
		"check": {Title: "Check me", IsChecked: false},
		"gone":  {Title: "Deleted locally"},
	}
	subtasks := []*types.LocalTask{
		{ID: "Task-keep", Title: "Keep me"},
		{ID: "Task-check", Title: "Check me", Status: types.StatusCompleted},
		{ID: "local-new", Title: "Brand new"},
	}

	patch, renames := m.SubtasksToChecklist(subtasks, existing)

	assert.NotContains(t, patch, "keep", "unchanged items are not resent")
	require.NotNil(t, patch["check"])
	assert.True(t, patch["check"].IsChecked)
	assert.Contains(t, patch, "gone")
	assert.Nil(t, patch["gone"])

	require.Contains(t, renames, "local-new")
	newItem, ok := ChecklistItemID(renames["local-new"])
	require.True(t, ok)
	require.NotNil(t, patch[newItem])
	assert.Equal(t, "Brand new", patch[newItem].Title)
	assert.Equal(t, " !", patch[newItem].OrderHint)
}

func TestChecklistToSubtasks(t *testing.T) {
	m := newTestMapper()
	yes := true
	subs := m.ChecklistToSubtasks("parent-1", map[string]types.ChecklistEntry{
		"b": {Title: "Second", OrderHint: "2", Status: "done"},
		"a": {Title: "First", OrderHint: "1", IsChecked: &yes},
		"c": {Title: "Third", OrderHint: "3"},
	})
	require.Len(t, subs, 3)
	assert.Equal(t, "Task-a", subs[0].ID)
	assert.Equal(t, "parent-1", subs[0].ParentID)
	assert.Equal(t, types.StatusCompleted, subs[0].Status)
	assert.Equal(t, types.StatusCompleted, subs[1].Status)
	assert.Equal(t, types.StatusNotStarted, subs[2].Status)
	assert.Equal(t, 0.0, subs[2].PercentComplete)
}

func TestDetailsUpdate(t *testing.T) {
	m := newTestMapper()
	local := &types.LocalTask{ID: "p", Description: "new text"}
	patch, _ := m.DetailsUpdate(local, nil, &types.TaskDetails{Description: "old"})
	require.NotNil(t, patch.Description)
	assert.Equal(t, "new text", *patch.Description)

	patch, _ = m.DetailsUpdate(&types.LocalTask{ID: "p", Description: "same"}, nil, &types.TaskDetails{Description: "same"})
	assert.True(t, patch.IsEmpty())
}
