// Package types defines the records exchanged between the Annika task store,
// Microsoft Planner and the sync engine.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Priority is the local (Annika) priority scale.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// IsValid reports whether p is one of the known priorities.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Status is the local task lifecycle state.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

const (
	// UnassignedAgent is the assignee recorded for tasks owned by the automated
	// agent rather than a human.
	UnassignedAgent = "Annika"

	// UnknownUser is the assignee recorded when a Planner user id is not in the
	// identity directory.
	UnknownUser = "Unknown User"

	// SubtaskIDPrefix prefixes a checklist item id to form the local subtask id.
	SubtaskIDPrefix = "Task-"

	// ImportedIDPrefix prefixes the remote id to form the local id of a task
	// imported from Planner.
	ImportedIDPrefix = "planner-"

	// SourcePlanner marks a local task that was created by an import.
	SourcePlanner = "planner"
)

// LocalTask is a task document in the Annika store.
type LocalTask struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Priority        Priority `json:"priority,omitempty"`
	Status          Status   `json:"status,omitempty"`
	PercentComplete float64  `json:"percent_complete"`
	AssignedTo      string   `json:"assigned_to,omitempty"`
	DueDate         string   `json:"due_date,omitempty"`

	// Planner linkage
	ExternalID            string `json:"external_id,omitempty"`
	RemotePlanID          string `json:"remote_plan_id,omitempty"`
	RemoteBucketID        string `json:"remote_bucket_id,omitempty"`
	RemoteBucketName      string `json:"remote_bucket_name,omitempty"`
	RemoteBucketOrderHint string `json:"remote_bucket_order_hint,omitempty"`

	// One level of nesting: a parent lists its subtasks, a subtask names its parent.
	ParentID string   `json:"parent_id,omitempty"`
	Subtasks []string `json:"subtasks,omitempty"`

	Source     string `json:"source,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
	ModifiedAt string `json:"modified_at,omitempty"`
}

// Validate checks the shape of a task read from the store.
func (t *LocalTask) Validate() error {
	if t == nil {
		return fmt.Errorf("task is nil")
	}
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("task id is empty")
	}
	if t.Priority != "" && !t.Priority.IsValid() {
		return fmt.Errorf("task %s: invalid priority %q", t.ID, t.Priority)
	}
	if t.Status != "" && !t.Status.IsValid() {
		return fmt.Errorf("task %s: invalid status %q", t.ID, t.Status)
	}
	if t.PercentComplete < 0 || t.PercentComplete > 1 {
		return fmt.Errorf("task %s: percent_complete %v outside [0,1]", t.ID, t.PercentComplete)
	}
	return nil
}

// IsSubtask reports whether the task hangs off a parent task.
func (t *LocalTask) IsSubtask() bool {
	return t.ParentID != ""
}

// IsCompleted reports whether the task is finished.
func (t *LocalTask) IsCompleted() bool {
	return t.Status == StatusCompleted || t.PercentComplete >= 1
}

// ModifiedTime parses ModifiedAt. The second result is false when the
// timestamp is missing or unparsable.
func (t *LocalTask) ModifiedTime() (time.Time, bool) {
	return ParseTimestamp(t.ModifiedAt)
}

// Clone returns a deep copy of the task.
func (t *LocalTask) Clone() *LocalTask {
	if t == nil {
		return nil
	}
	c := *t
	if t.Subtasks != nil {
		c.Subtasks = append([]string(nil), t.Subtasks...)
	}
	return &c
}

// ParseTimestamp parses the ISO-8601 forms used by both systems. Naive
// timestamps (no zone) are taken as UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// FormatTimestamp renders t the way local documents store timestamps.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
