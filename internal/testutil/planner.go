// Package testutil provides an in-memory Microsoft Planner fake and Redis
// helpers shared by the detector, graph and tracker tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/annika-hq/plannersync/internal/types"
)

// RecordedRequest stores information about a request made to the fake.
type RecordedRequest struct {
	Method  string
	Path    string
	IfMatch string
	Body    []byte
}

type injectedFailure struct {
	method     string
	path       string
	status     int
	retryAfter string
	remaining  int
}

// Planner is an httptest-backed fake of the Graph Planner surface. It keeps
// plans, tasks and details in memory, issues a fresh ETag on every mutation
// and enforces If-Match on PATCH and DELETE.
type Planner struct {
	Server *httptest.Server

	// PageSize splits collections into pages linked by @odata.nextLink
	// when positive.
	PageSize int

	mu       sync.Mutex
	now      func() time.Time
	seq      int
	plans    []types.Plan
	tasks    map[string]*types.RemoteTask
	details  map[string]*types.TaskDetails
	buckets  map[string]types.Bucket
	users    []types.User
	groups   map[string]types.Group
	failures []*injectedFailure
	requests []RecordedRequest
}

// NewPlanner starts a fake and registers its shutdown with t.
func NewPlanner(t testing.TB) *Planner {
	t.Helper()
	p := &Planner{
		now:     time.Now,
		tasks:   make(map[string]*types.RemoteTask),
		details: make(map[string]*types.TaskDetails),
		buckets: make(map[string]types.Bucket),
		groups:  make(map[string]types.Group),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /me/planner/plans", p.handleListPlans)
	mux.HandleFunc("GET /groups/{group}/planner/plans", p.handleListPlans)
	mux.HandleFunc("GET /groups/{group}", p.handleGetGroup)
	mux.HandleFunc("GET /planner/plans/{plan}", p.handleGetPlan)
	mux.HandleFunc("GET /planner/plans/{plan}/tasks", p.handleListTasks)
	mux.HandleFunc("GET /planner/buckets/{bucket}", p.handleGetBucket)
	mux.HandleFunc("GET /users", p.handleListUsers)
	mux.HandleFunc("GET /users/{user}", p.handleGetUser)
	mux.HandleFunc("POST /planner/tasks", p.handleCreateTask)
	mux.HandleFunc("GET /planner/tasks/{task}", p.handleGetTask)
	mux.HandleFunc("PATCH /planner/tasks/{task}", p.handlePatchTask)
	mux.HandleFunc("DELETE /planner/tasks/{task}", p.handleDeleteTask)
	mux.HandleFunc("GET /planner/tasks/{task}/details", p.handleGetDetails)
	mux.HandleFunc("PATCH /planner/tasks/{task}/details", p.handlePatchDetails)

	p.Server = httptest.NewServer(p.middleware(mux))
	t.Cleanup(p.Server.Close)
	return p
}

// URL is the base URL to hand to graph.NewClient.
func (p *Planner) URL() string { return p.Server.URL }

// SetClock replaces time.Now for lastModifiedDateTime stamps.
func (p *Planner) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

func (p *Planner) nextETag() string {
	p.seq++
	return fmt.Sprintf(`W/"JzEtVGFzayAg%04d"`, p.seq)
}

func (p *Planner) stamp() string {
	return p.now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// AddPlan registers a plan. groupID may be empty.
func (p *Planner) AddPlan(id, title, groupID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	plan := types.Plan{ID: id, Title: title, ETag: p.nextETag()}
	if groupID != "" {
		plan.Container = &types.PlanContainer{ContainerID: groupID, Type: "group"}
	}
	p.plans = append(p.plans, plan)
}

// AddBucket registers a bucket.
func (p *Planner) AddBucket(b types.Bucket) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buckets[b.ID] = b
}

// AddUser registers a directory user.
func (p *Planner) AddUser(u types.User) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = append(p.users, u)
}

// AddGroup registers a group.
func (p *Planner) AddGroup(g types.Group) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups[g.ID] = g
}

// AddTask stores a task as if a human had created it in Planner. Missing
// ids, ETags and timestamps are filled in. It returns the stored copy.
func (p *Planner) AddTask(t types.RemoteTask) types.RemoteTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.ID == "" {
		t.ID = fmt.Sprintf("task%04d", p.seq+1)
	}
	t.ETag = p.nextETag()
	if t.CreatedDateTime == "" {
		t.CreatedDateTime = p.stamp()
	}
	if t.LastModifiedDateTime == "" {
		t.LastModifiedDateTime = p.stamp()
	}
	stored := t
	p.tasks[t.ID] = &stored
	if _, ok := p.details[t.ID]; !ok {
		p.details[t.ID] = &types.TaskDetails{ID: t.ID, ETag: p.nextETag()}
	}
	return stored
}

// SetDetails replaces a task's details.
func (p *Planner) SetDetails(taskID string, d types.TaskDetails) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d.ID = taskID
	d.ETag = p.nextETag()
	p.details[taskID] = &d
}

// EditTask mutates a task as a human would, bumping its ETag and
// lastModifiedDateTime.
func (p *Planner) EditTask(id string, fn func(*types.RemoteTask)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[id]
	if !ok {
		return
	}
	fn(t)
	t.ETag = p.nextETag()
	t.LastModifiedDateTime = p.stamp()
}

// RemoveTask deletes a task without going through the API.
func (p *Planner) RemoveTask(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tasks, id)
	delete(p.details, id)
}

// Task returns a copy of a stored task.
func (p *Planner) Task(id string) (types.RemoteTask, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[id]
	if !ok {
		return types.RemoteTask{}, false
	}
	return *t, true
}

// Details returns a copy of a task's details.
func (p *Planner) Details(id string) (types.TaskDetails, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.details[id]
	if !ok {
		return types.TaskDetails{}, false
	}
	c := *d
	c.Checklist = make(map[string]types.ChecklistItem, len(d.Checklist))
	for k, v := range d.Checklist {
		c.Checklist[k] = v
	}
	return c, true
}

// Tasks returns the tasks of a plan sorted by id.
func (p *Planner) Tasks(planID string) []types.RemoteTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.planTasks(planID)
}

func (p *Planner) planTasks(planID string) []types.RemoteTask {
	var out []types.RemoteTask
	for _, t := range p.tasks {
		if t.PlanID == planID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Fail makes the next n requests matching method and path answer status.
// path matches exactly, or as a prefix when it ends in "*".
func (p *Planner) Fail(method, path string, status, n int, retryAfter string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, &injectedFailure{
		method: method, path: path, status: status, retryAfter: retryAfter, remaining: n,
	})
}

// Requests returns every request received so far.
func (p *Planner) Requests() []RecordedRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]RecordedRequest(nil), p.requests...)
}

// CountRequests counts requests with the given method and path prefix.
func (p *Planner) CountRequests(method, pathPrefix string) int {
	n := 0
	for _, r := range p.Requests() {
		if r.Method == method && strings.HasPrefix(r.Path, pathPrefix) {
			n++
		}
	}
	return n
}

func (f *injectedFailure) matches(r *http.Request) bool {
	if f.remaining <= 0 || (f.method != "" && f.method != r.Method) {
		return false
	}
	if strings.HasSuffix(f.path, "*") {
		return strings.HasPrefix(r.URL.Path, strings.TrimSuffix(f.path, "*"))
	}
	return r.URL.Path == f.path
}

func (p *Planner) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		r.Body = io.NopCloser(strings.NewReader(string(body)))

		p.mu.Lock()
		p.requests = append(p.requests, RecordedRequest{
			Method: r.Method, Path: r.URL.Path, IfMatch: r.Header.Get("If-Match"), Body: body,
		})
		var fail *injectedFailure
		for _, f := range p.failures {
			if f.matches(r) {
				f.remaining--
				fail = f
				break
			}
		}
		p.mu.Unlock()

		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			writeError(w, http.StatusUnauthorized, "InvalidAuthenticationToken")
			return
		}
		if fail != nil {
			if fail.retryAfter != "" {
				w.Header().Set("Retry-After", fail.retryAfter)
			}
			writeError(w, fail.status, "Injected")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"code": code, "message": http.StatusText(status)},
	})
}

// writePage answers a collection request, honouring PageSize via a skip
// query parameter.
func writePage[T any](p *Planner, w http.ResponseWriter, r *http.Request, items []T) {
	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	if skip > len(items) {
		skip = len(items)
	}
	end := len(items)
	next := ""
	if p.PageSize > 0 && skip+p.PageSize < len(items) {
		end = skip + p.PageSize
		next = fmt.Sprintf("%s%s?skip=%d", p.Server.URL, r.URL.Path, end)
	}
	body := map[string]interface{}{"value": items[skip:end]}
	if next != "" {
		body["@odata.nextLink"] = next
	}
	writeJSON(w, http.StatusOK, body)
}

func (p *Planner) handleListPlans(w http.ResponseWriter, r *http.Request) {
	group := r.PathValue("group")
	p.mu.Lock()
	var plans []types.Plan
	for _, plan := range p.plans {
		if group == "" || (plan.Container != nil && plan.Container.ContainerID == group) {
			plans = append(plans, plan)
		}
	}
	p.mu.Unlock()
	if plans == nil {
		plans = []types.Plan{}
	}
	writePage(p, w, r, plans)
}

func (p *Planner) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("plan")
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, plan := range p.plans {
		if plan.ID == id {
			writeJSON(w, http.StatusOK, plan)
			return
		}
	}
	writeError(w, http.StatusNotFound, "NotFound")
}

func (p *Planner) handleListTasks(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("plan")
	p.mu.Lock()
	known := false
	for _, plan := range p.plans {
		known = known || plan.ID == id
	}
	tasks := p.planTasks(id)
	p.mu.Unlock()
	if !known {
		writeError(w, http.StatusNotFound, "NotFound")
		return
	}
	if tasks == nil {
		tasks = []types.RemoteTask{}
	}
	writePage(p, w, r, tasks)
}

func (p *Planner) handleGetBucket(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	b, ok := p.buckets[r.PathValue("bucket")]
	p.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "NotFound")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (p *Planner) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	g, ok := p.groups[r.PathValue("group")]
	p.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "NotFound")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (p *Planner) handleListUsers(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	users := append([]types.User{}, p.users...)
	p.mu.Unlock()
	writePage(p, w, r, users)
}

func (p *Planner) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("user")
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.users {
		if u.ID == id {
			writeJSON(w, http.StatusOK, u)
			return
		}
	}
	writeError(w, http.StatusNotFound, "NotFound")
}

func (p *Planner) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var in types.RemoteTask
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.PlanID == "" {
		writeError(w, http.StatusBadRequest, "BadRequest")
		return
	}
	in.ID = ""
	created := p.AddTask(in)
	writeJSON(w, http.StatusCreated, created)
}

func (p *Planner) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := p.Task(r.PathValue("task"))
	if !ok {
		writeError(w, http.StatusNotFound, "NotFound")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (p *Planner) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("task")
	var patch map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest")
		return
	}

	p.mu.Lock()
	t, ok := p.tasks[id]
	if !ok {
		p.mu.Unlock()
		writeError(w, http.StatusNotFound, "NotFound")
		return
	}
	if r.Header.Get("If-Match") != t.ETag {
		p.mu.Unlock()
		writeError(w, http.StatusPreconditionFailed, "PreconditionFailed")
		return
	}
	if err := applyTaskPatch(t, patch); err != nil {
		p.mu.Unlock()
		writeError(w, http.StatusBadRequest, "BadRequest")
		return
	}
	t.ETag = p.nextETag()
	t.LastModifiedDateTime = p.stamp()
	out := *t
	p.mu.Unlock()

	if strings.Contains(r.Header.Get("Prefer"), "return=representation") {
		writeJSON(w, http.StatusOK, out)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func applyTaskPatch(t *types.RemoteTask, patch map[string]json.RawMessage) error {
	for field, raw := range patch {
		var err error
		switch field {
		case "title":
			err = json.Unmarshal(raw, &t.Title)
		case "priority":
			err = json.Unmarshal(raw, &t.Priority)
		case "percentComplete":
			err = json.Unmarshal(raw, &t.PercentComplete)
		case "bucketId":
			err = json.Unmarshal(raw, &t.BucketID)
		case "planId":
			err = json.Unmarshal(raw, &t.PlanID)
		case "dueDateTime":
			t.DueDateTime = nil
			if string(raw) != "null" {
				var s string
				err = json.Unmarshal(raw, &s)
				t.DueDateTime = &s
			}
		case "assignments":
			var a map[string]*types.Assignment
			if err = json.Unmarshal(raw, &a); err != nil {
				return err
			}
			if t.Assignments == nil {
				t.Assignments = make(map[string]types.Assignment)
			}
			for uid, v := range a {
				if v == nil {
					delete(t.Assignments, uid)
					continue
				}
				t.Assignments[uid] = *v
			}
		}
		if err != nil {
			return err
		}
	}
	if t.PercentComplete >= 100 {
		done := time.Now().UTC().Format(time.RFC3339)
		t.CompletedDateTime = &done
	} else {
		t.CompletedDateTime = nil
	}
	return nil
}

func (p *Planner) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("task")
	p.mu.Lock()
	t, ok := p.tasks[id]
	switch {
	case !ok:
		p.mu.Unlock()
		writeError(w, http.StatusNotFound, "NotFound")
		return
	case r.Header.Get("If-Match") != t.ETag:
		p.mu.Unlock()
		writeError(w, http.StatusPreconditionFailed, "PreconditionFailed")
		return
	}
	delete(p.tasks, id)
	delete(p.details, id)
	p.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (p *Planner) handleGetDetails(w http.ResponseWriter, r *http.Request) {
	d, ok := p.Details(r.PathValue("task"))
	if !ok {
		writeError(w, http.StatusNotFound, "NotFound")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (p *Planner) handlePatchDetails(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("task")
	var patch struct {
		Description *string                         `json:"description"`
		Checklist   map[string]*types.ChecklistItem `json:"checklist"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest")
		return
	}

	p.mu.Lock()
	d, ok := p.details[id]
	if !ok {
		p.mu.Unlock()
		writeError(w, http.StatusNotFound, "NotFound")
		return
	}
	if r.Header.Get("If-Match") != d.ETag {
		p.mu.Unlock()
		writeError(w, http.StatusPreconditionFailed, "PreconditionFailed")
		return
	}
	if patch.Description != nil {
		d.Description = *patch.Description
	}
	if d.Checklist == nil {
		d.Checklist = make(map[string]types.ChecklistItem)
	}
	for itemID, item := range patch.Checklist {
		if item == nil {
			delete(d.Checklist, itemID)
			continue
		}
		item.LastModifiedDateTime = p.stamp()
		d.Checklist[itemID] = *item
	}
	d.ETag = p.nextETag()
	if t, ok := p.tasks[id]; ok {
		t.HasDescription = d.Description != ""
	}
	out := *d
	p.mu.Unlock()

	if strings.Contains(r.Header.Get("Prefer"), "return=representation") {
		writeJSON(w, http.StatusOK, out)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
