package eventbus

import (
	"encoding/json"
	"time"
)

// EventType identifies an event flowing through the bus.
type EventType string

const (
	// EventLocalTaskChanged is raised for every notification on the local
	// task channel. It only triggers a dirty-set pass.
	EventLocalTaskChanged EventType = "local.task.changed"

	// EventRemotePlanChanged asks for an immediate re-poll of one plan.
	EventRemotePlanChanged EventType = "remote.plan.changed"

	// EventRemoteTaskChanged names a Planner task; the engine resolves its
	// plan and re-polls that plan.
	EventRemoteTaskChanged EventType = "remote.task.changed"
)

// IsRemote reports whether the event is a Planner-side hint.
func (t EventType) IsRemote() bool {
	return t == EventRemotePlanChanged || t == EventRemoteTaskChanged
}

// Event is a change hint. Its fields say where to look, never what changed:
// consumers always re-read the authoritative state.
type Event struct {
	Type   EventType `json:"type"`
	TaskID string    `json:"task_id,omitempty"`
	PlanID string    `json:"plan_id,omitempty"`
	// ChangeType is the Graph changeType (created, updated, deleted) when
	// the hint came from a change notification.
	ChangeType string `json:"change_type,omitempty"`
	Source     string `json:"source,omitempty"`

	Raw json.RawMessage `json:"-"`

	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// Result aggregates handler responses for an event.
type Result struct {
	Handled  []string `json:"handled,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}
