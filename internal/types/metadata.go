package types

import (
	"encoding/json"
	"time"
)

// ResourceType names a kind of cached Graph resource.
type ResourceType string

const (
	ResourcePlan   ResourceType = "plan"
	ResourceBucket ResourceType = "bucket"
	ResourceGroup  ResourceType = "group"
	ResourceUser   ResourceType = "user"
	ResourceTask   ResourceType = "task"
)

// MetadataRecord is a cached snapshot of a plan, bucket, group or user.
type MetadataRecord struct {
	Type        ResourceType    `json:"type"`
	ID          string          `json:"id"`
	DisplayName string          `json:"display_name,omitempty"`
	OrderHint   string          `json:"order_hint,omitempty"`
	ParentID    string          `json:"parent_id,omitempty"` // plan of a bucket, group of a plan
	Mail        string          `json:"mail,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
	CachedAt    time.Time       `json:"cached_at"`
}

// Plan is a Planner plan (the container polled by the remote detector).
type Plan struct {
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	Owner           string         `json:"owner,omitempty"`
	CreatedDateTime string         `json:"createdDateTime,omitempty"`
	ETag            string         `json:"@odata.etag,omitempty"`
	Container       *PlanContainer `json:"container,omitempty"`
}

// PlanContainer is the resource (usually a group) that owns a plan.
type PlanContainer struct {
	ContainerID string `json:"containerId,omitempty"`
	Type        string `json:"type,omitempty"`
}

// Bucket is a Planner bucket.
type Bucket struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	PlanID    string `json:"planId"`
	OrderHint string `json:"orderHint,omitempty"`
}

// Group is a Microsoft 365 group.
type Group struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Mail        string `json:"mail,omitempty"`
}

// User is a directory user.
type User struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail,omitempty"`
	UserPrincipalName string `json:"userPrincipalName,omitempty"`
}

// Mapping links a local task to a Planner task and remembers the last seen
// version token.
type Mapping struct {
	LocalID  string `json:"local_id"`
	RemoteID string `json:"remote_id"`
	PlanID   string `json:"plan_id,omitempty"`
	ETag     string `json:"etag,omitempty"`
}
