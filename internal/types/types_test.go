package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestLocalTaskValidate(t *testing.T) {
	tests := []struct {
		name    string
		task    *LocalTask
		wantErr bool
	}{
		{"valid", &LocalTask{ID: "t1", Priority: PriorityHigh, Status: StatusInProgress, PercentComplete: 0.5}, false},
		{"nil", nil, true},
		{"empty id", &LocalTask{ID: "  "}, true},
		{"bad priority", &LocalTask{ID: "t1", Priority: "critical"}, true},
		{"bad status", &LocalTask{ID: "t1", Status: "blocked"}, true},
		{"percent too high", &LocalTask{ID: "t1", PercentComplete: 1.5}, true},
		{"percent negative", &LocalTask{ID: "t1", PercentComplete: -0.1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRemoteTaskValidate(t *testing.T) {
	if err := (&RemoteTask{ID: "r1", PlanID: "p1", PercentComplete: 50}).Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if err := (&RemoteTask{ID: "r1"}).Validate(); err == nil {
		t.Error("Validate() accepted task without planId")
	}
	if err := (&RemoteTask{ID: "r1", PlanID: "p1", PercentComplete: 101}).Validate(); err == nil {
		t.Error("Validate() accepted percentComplete 101")
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)
	tests := []struct {
		in string
		ok bool
	}{
		{"2025-03-01T12:30:00Z", true},
		{"2025-03-01T12:30:00.000Z", true},
		{"2025-03-01T14:30:00+02:00", true},
		{"2025-03-01T12:30:00", true},
		{"2025-03-01 12:30:00", true},
		{"", false},
		{"yesterday", false},
	}
	for _, tt := range tests {
		got, ok := ParseTimestamp(tt.in)
		if ok != tt.ok {
			t.Errorf("ParseTimestamp(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && !got.Equal(want) {
			t.Errorf("ParseTimestamp(%q) = %v, want %v", tt.in, got, want)
		}
	}
}

func TestRemotePatchClearDueDate(t *testing.T) {
	title := "x"
	data, err := json.Marshal(RemotePatch{Title: &title, ClearDueDate: true})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(data), `"dueDateTime":null`) {
		t.Errorf("Marshal() = %s, want explicit null dueDateTime", data)
	}

	data, err = json.Marshal(RemotePatch{Title: &title})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if strings.Contains(string(data), "dueDateTime") {
		t.Errorf("Marshal() = %s, want no dueDateTime", data)
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := &LocalTask{ID: "t1", Subtasks: []string{"Task-a"}}
	c := orig.Clone()
	c.Subtasks[0] = "Task-b"
	if orig.Subtasks[0] != "Task-a" {
		t.Errorf("Clone shares subtask slice with original")
	}
}
