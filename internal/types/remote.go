package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RemoteTask is a Planner task as returned by Microsoft Graph.
type RemoteTask struct {
	ID                   string                `json:"id"`
	ETag                 string                `json:"@odata.etag,omitempty"`
	PlanID               string                `json:"planId"`
	BucketID             string                `json:"bucketId,omitempty"`
	Title                string                `json:"title"`
	OrderHint            string                `json:"orderHint,omitempty"`
	Priority             int                   `json:"priority"`
	PercentComplete      int                   `json:"percentComplete"`
	Assignments          map[string]Assignment `json:"assignments,omitempty"`
	DueDateTime          *string               `json:"dueDateTime,omitempty"`
	CreatedDateTime      string                `json:"createdDateTime,omitempty"`
	LastModifiedDateTime string                `json:"lastModifiedDateTime,omitempty"`
	CompletedDateTime    *string               `json:"completedDateTime,omitempty"`
	HasDescription       bool                  `json:"hasDescription,omitempty"`
}

// Assignment is the per-user assignment metadata in a Planner task.
type Assignment struct {
	ODataType        string `json:"@odata.type,omitempty"`
	AssignedDateTime string `json:"assignedDateTime,omitempty"`
	OrderHint        string `json:"orderHint,omitempty"`
}

// Validate checks the shape of a task decoded from a Graph response.
func (r *RemoteTask) Validate() error {
	if r == nil {
		return fmt.Errorf("remote task is nil")
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("remote task id is empty")
	}
	if r.PlanID == "" {
		return fmt.Errorf("remote task %s: planId is empty", r.ID)
	}
	if r.PercentComplete < 0 || r.PercentComplete > 100 {
		return fmt.Errorf("remote task %s: percentComplete %d outside [0,100]", r.ID, r.PercentComplete)
	}
	return nil
}

// IsCompleted reports whether Planner considers the task done.
func (r *RemoteTask) IsCompleted() bool {
	return r.PercentComplete >= 100
}

// ModifiedTime parses LastModifiedDateTime.
func (r *RemoteTask) ModifiedTime() (time.Time, bool) {
	return ParseTimestamp(r.LastModifiedDateTime)
}

// TaskDetails is the Planner "details" sub-resource of a task.
type TaskDetails struct {
	ID          string                   `json:"id"`
	ETag        string                   `json:"@odata.etag,omitempty"`
	Description string                   `json:"description,omitempty"`
	Checklist   map[string]ChecklistItem `json:"checklist,omitempty"`
}

// ChecklistItem is one entry of a task's checklist.
type ChecklistItem struct {
	ODataType            string `json:"@odata.type,omitempty"`
	Title                string `json:"title"`
	IsChecked            bool   `json:"isChecked"`
	OrderHint            string `json:"orderHint,omitempty"`
	LastModifiedDateTime string `json:"lastModifiedDateTime,omitempty"`
}

// ChecklistEntry is the loosely-shaped checklist item accepted when
// converting checklists to subtasks. Checked state comes from IsChecked,
// else Completed, else Status.
type ChecklistEntry struct {
	Title     string `json:"title"`
	IsChecked *bool  `json:"isChecked,omitempty"`
	Completed *bool  `json:"completed,omitempty"`
	Status    string `json:"status,omitempty"`
	OrderHint string `json:"orderHint,omitempty"`
}

// EntriesFromChecklist converts a Planner checklist into checklist entries.
func EntriesFromChecklist(items map[string]ChecklistItem) map[string]ChecklistEntry {
	out := make(map[string]ChecklistEntry, len(items))
	for id, item := range items {
		checked := item.IsChecked
		out[id] = ChecklistEntry{
			Title:     item.Title,
			IsChecked: &checked,
			OrderHint: item.OrderHint,
		}
	}
	return out
}

// RemotePatch is the body of a Planner task create or update.
type RemotePatch struct {
	PlanID          string                 `json:"planId,omitempty"`
	BucketID        string                 `json:"bucketId,omitempty"`
	Title           *string                `json:"title,omitempty"`
	Priority        *int                   `json:"priority,omitempty"`
	PercentComplete *int                   `json:"percentComplete,omitempty"`
	Assignments     map[string]*Assignment `json:"assignments,omitempty"`
	DueDateTime     *string                `json:"dueDateTime,omitempty"`

	// ClearDueDate sends an explicit null for dueDateTime.
	ClearDueDate bool `json:"-"`
}

// MarshalJSON emits dueDateTime as null when ClearDueDate is set.
func (p RemotePatch) MarshalJSON() ([]byte, error) {
	type plain RemotePatch
	data, err := json.Marshal(plain(p))
	if err != nil {
		return nil, err
	}
	if !p.ClearDueDate || p.DueDateTime != nil {
		return data, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	m["dueDateTime"] = json.RawMessage("null")
	return json.Marshal(m)
}

// ChecklistPatch is the checklist portion of a details update. A nil value
// removes the item.
type ChecklistPatch map[string]*ChecklistItemPatch

// ChecklistItemPatch sets one checklist item.
type ChecklistItemPatch struct {
	ODataType string `json:"@odata.type"`
	Title     string `json:"title"`
	IsChecked bool   `json:"isChecked"`
	OrderHint string `json:"orderHint,omitempty"`
}

// ChecklistItemODataType is the @odata.type Graph requires on new checklist items.
const ChecklistItemODataType = "microsoft.graph.plannerChecklistItem"

// AssignmentODataType is the @odata.type Graph requires on new assignments.
const AssignmentODataType = "#microsoft.graph.plannerAssignment"

// DetailsPatch is the body of a task details update.
type DetailsPatch struct {
	Description *string        `json:"description,omitempty"`
	Checklist   ChecklistPatch `json:"checklist,omitempty"`
}

// IsEmpty reports whether the patch would change nothing.
func (p DetailsPatch) IsEmpty() bool {
	return p.Description == nil && len(p.Checklist) == 0
}
