package webhook

import (
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/annika-hq/plannersync/internal/eventbus"
)

// Notification is one entry of a Graph change-notification batch.
type Notification struct {
	SubscriptionID string          `json:"subscriptionId"`
	ClientState    string          `json:"clientState"`
	ChangeType     string          `json:"changeType"`
	Resource       string          `json:"resource"`
	ResourceData   json.RawMessage `json:"resourceData,omitempty"`
}

type notificationBatch struct {
	Value []Notification `json:"value"`
}

// ParseBatch decodes a notification POST body.
func ParseBatch(body []byte) ([]Notification, error) {
	var batch notificationBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, fmt.Errorf("invalid notification body: %w", err)
	}
	return batch.Value, nil
}

// ValidClientState compares the notification's clientState with the
// configured one in constant time. An empty expected value accepts anything.
func ValidClientState(got, want string) bool {
	if want == "" {
		return true
	}
	return hmac.Equal([]byte(got), []byte(want))
}

// Hint turns a notification into a change hint. Task resources
// ("planner/tasks/{id}") become remote.task.changed, plan resources
// ("planner/plans/{id}" or ".../plans/{id}/tasks") become
// remote.plan.changed. The bool is false for resources we don't follow.
func (n Notification) Hint() (*eventbus.Event, bool) {
	parts := strings.Split(strings.Trim(n.Resource, "/"), "/")
	ev := &eventbus.Event{ChangeType: n.ChangeType, Source: "graph-webhook"}
	for i := 0; i+1 < len(parts); i++ {
		switch strings.ToLower(parts[i]) {
		case "tasks":
			if parts[i+1] == "" {
				continue
			}
			ev.Type = eventbus.EventRemoteTaskChanged
			ev.TaskID = parts[i+1]
			if pid := gjson.GetBytes(n.ResourceData, "planId").String(); pid != "" {
				ev.PlanID = pid
			}
			return ev, true
		case "plans":
			ev.Type = eventbus.EventRemotePlanChanged
			ev.PlanID = parts[i+1]
		}
	}
	if ev.PlanID != "" {
		return ev, true
	}
	if id := gjson.GetBytes(n.ResourceData, "id").String(); id != "" {
		ev.Type = eventbus.EventRemoteTaskChanged
		ev.TaskID = id
		ev.PlanID = gjson.GetBytes(n.ResourceData, "planId").String()
		return ev, true
	}
	return nil, false
}
