package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/annika-hq/plannersync/internal/types"
)

// ListPlans enumerates the plans the engine can see: every plan of each
// group in groupIDs, or the caller's own plans when groupIDs is empty.
// Plans reachable through more than one group are returned once.
func (c *Client) ListPlans(ctx context.Context, groupIDs []string) ([]types.Plan, error) {
	var links []string
	if len(groupIDs) == 0 {
		links = []string{"/me/planner/plans"}
	}
	for _, g := range groupIDs {
		links = append(links, "/groups/"+escape(g)+"/planner/plans")
	}

	seen := make(map[string]bool)
	var plans []types.Plan
	for _, link := range links {
		batch, err := getAll[types.Plan](ctx, c, link)
		if err != nil {
			return nil, fmt.Errorf("list plans: %w", err)
		}
		for _, p := range batch {
			if p.ID == "" || seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			plans = append(plans, p)
		}
	}
	return plans, nil
}

// PlansPage returns one page of plans for bulk enumeration. An empty link
// starts at the caller's plans.
func (c *Client) PlansPage(ctx context.Context, link string) ([]types.Plan, string, error) {
	if link == "" {
		link = "/me/planner/plans"
	}
	return getPage[types.Plan](ctx, c, link)
}

// UsersPage returns one page of directory users. An empty link starts at
// the first page.
func (c *Client) UsersPage(ctx context.Context, link string) ([]types.User, string, error) {
	if link == "" {
		link = "/users?$select=id,displayName,mail,userPrincipalName&$top=100"
	}
	return getPage[types.User](ctx, c, link)
}

// ListPlanTasks returns every task in a plan. Tasks that fail validation
// are logged and dropped.
func (c *Client) ListPlanTasks(ctx context.Context, planID string) ([]types.RemoteTask, error) {
	raw, err := getAll[types.RemoteTask](ctx, c, "/planner/plans/"+escape(planID)+"/tasks")
	if err != nil {
		return nil, fmt.Errorf("list tasks of plan %s: %w", planID, err)
	}
	tasks := raw[:0]
	for _, t := range raw {
		if err := t.Validate(); err != nil {
			c.log.Warn("dropping malformed planner task", "plan_id", planID, "error", err)
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// GetTask fetches a single task.
func (c *Client) GetTask(ctx context.Context, taskID string) (*types.RemoteTask, error) {
	var t types.RemoteTask
	if err := c.do(ctx, request{method: http.MethodGet, url: "/planner/tasks/" + escape(taskID)}, &t); err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return &t, nil
}

// GetTaskDetails fetches a task's details (description and checklist).
func (c *Client) GetTaskDetails(ctx context.Context, taskID string) (*types.TaskDetails, error) {
	var d types.TaskDetails
	if err := c.do(ctx, request{method: http.MethodGet, url: "/planner/tasks/" + escape(taskID) + "/details"}, &d); err != nil {
		return nil, fmt.Errorf("get details of %s: %w", taskID, err)
	}
	return &d, nil
}

// CreateTask creates a task. patch.PlanID is required.
func (c *Client) CreateTask(ctx context.Context, patch *types.RemotePatch) (*types.RemoteTask, error) {
	if patch.PlanID == "" {
		return nil, fmt.Errorf("create task: plan id is required")
	}
	var t types.RemoteTask
	if err := c.do(ctx, request{method: http.MethodPost, url: "/planner/tasks", body: patch}, &t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &t, nil
}

// UpdateTask patches a task guarded by etag. It returns the updated task,
// re-reading it when Graph answers 204 without a representation.
func (c *Client) UpdateTask(ctx context.Context, taskID, etag string, patch *types.RemotePatch) (*types.RemoteTask, error) {
	var t types.RemoteTask
	err := c.do(ctx, request{
		method:  http.MethodPatch,
		url:     "/planner/tasks/" + escape(taskID),
		ifMatch: etag,
		body:    patch,
		prefer:  "return=representation",
	}, &t)
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", taskID, err)
	}
	if t.ID == "" {
		return c.GetTask(ctx, taskID)
	}
	return &t, nil
}

// DeleteTask deletes a task guarded by etag.
func (c *Client) DeleteTask(ctx context.Context, taskID, etag string) error {
	err := c.do(ctx, request{method: http.MethodDelete, url: "/planner/tasks/" + escape(taskID), ifMatch: etag}, nil)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	return nil
}

// UpdateTaskDetails patches a task's details guarded by the details etag.
func (c *Client) UpdateTaskDetails(ctx context.Context, taskID, etag string, patch types.DetailsPatch) (*types.TaskDetails, error) {
	var d types.TaskDetails
	err := c.do(ctx, request{
		method:  http.MethodPatch,
		url:     "/planner/tasks/" + escape(taskID) + "/details",
		ifMatch: etag,
		body:    patch,
		prefer:  "return=representation",
	}, &d)
	if err != nil {
		return nil, fmt.Errorf("update details of %s: %w", taskID, err)
	}
	if d.ID == "" {
		return c.GetTaskDetails(ctx, taskID)
	}
	return &d, nil
}

// FetchMetadata fetches a plan, bucket, group or user as a metadata record.
func (c *Client) FetchMetadata(ctx context.Context, rt types.ResourceType, id string) (*types.MetadataRecord, error) {
	var path string
	switch rt {
	case types.ResourcePlan:
		path = "/planner/plans/" + escape(id)
	case types.ResourceBucket:
		path = "/planner/buckets/" + escape(id)
	case types.ResourceGroup:
		path = "/groups/" + escape(id) + "?$select=id,displayName,mail"
	case types.ResourceUser:
		path = "/users/" + escape(id) + "?$select=id,displayName,mail,userPrincipalName"
	case types.ResourceTask:
		path = "/planner/tasks/" + escape(id)
	default:
		return nil, fmt.Errorf("fetch metadata: unsupported resource type %q", rt)
	}

	var raw json.RawMessage
	if err := c.do(ctx, request{method: http.MethodGet, url: path}, &raw); err != nil {
		return nil, fmt.Errorf("fetch %s %s: %w", rt, id, err)
	}
	return RecordFromJSON(rt, raw, c.now)
}

// RecordFromJSON builds a metadata record from a Graph resource body.
func RecordFromJSON(rt types.ResourceType, raw json.RawMessage, now func() time.Time) (*types.MetadataRecord, error) {
	rec := &types.MetadataRecord{Type: rt, Raw: raw, CachedAt: now().UTC()}
	switch rt {
	case types.ResourcePlan:
		var p types.Plan
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		rec.ID, rec.DisplayName = p.ID, p.Title
		if p.Container != nil {
			rec.ParentID = p.Container.ContainerID
		} else {
			rec.ParentID = p.Owner
		}
	case types.ResourceBucket:
		var b types.Bucket
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		rec.ID, rec.DisplayName, rec.OrderHint, rec.ParentID = b.ID, b.Name, b.OrderHint, b.PlanID
	case types.ResourceGroup:
		var g types.Group
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, err
		}
		rec.ID, rec.DisplayName, rec.Mail = g.ID, g.DisplayName, g.Mail
	case types.ResourceUser:
		var u types.User
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil, err
		}
		rec.ID, rec.DisplayName, rec.Mail = u.ID, u.DisplayName, u.Mail
		if rec.Mail == "" {
			rec.Mail = u.UserPrincipalName
		}
	case types.ResourceTask:
		var t types.RemoteTask
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, err
		}
		rec.ID, rec.DisplayName, rec.OrderHint, rec.ParentID = t.ID, t.Title, t.OrderHint, t.PlanID
	default:
		return nil, fmt.Errorf("unsupported resource type %q", rt)
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("%s record has no id", rt)
	}
	return rec, nil
}
