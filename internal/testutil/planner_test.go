package testutil

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annika-hq/plannersync/internal/types"
)

func do(t *testing.T, method, url, ifMatch string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer test")
	if ifMatch != "" {
		req.Header.Set("If-Match", ifMatch)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestPlannerEnforcesIfMatch(t *testing.T) {
	p := NewPlanner(t)
	p.AddPlan("p1", "Plan", "")
	task := p.AddTask(types.RemoteTask{ID: "t1", PlanID: "p1", Title: "A"})

	resp := do(t, http.MethodPatch, p.URL()+"/planner/tasks/t1", `W/"stale"`, []byte(`{"title":"B"}`))
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)

	resp = do(t, http.MethodPatch, p.URL()+"/planner/tasks/t1", task.ETag, []byte(`{"title":"B"}`))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	got, ok := p.Task("t1")
	require.True(t, ok)
	assert.Equal(t, "B", got.Title)
	assert.NotEqual(t, task.ETag, got.ETag)
}

func TestPlannerInjectedFailure(t *testing.T) {
	p := NewPlanner(t)
	p.AddPlan("p1", "Plan", "")
	p.Fail(http.MethodGet, "/planner/plans/*", http.StatusTooManyRequests, 1, "5")

	resp := do(t, http.MethodGet, p.URL()+"/planner/plans/p1/tasks", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Retry-After"))

	resp = do(t, http.MethodGet, p.URL()+"/planner/plans/p1/tasks", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, p.CountRequests(http.MethodGet, "/planner/plans/p1"))
}
