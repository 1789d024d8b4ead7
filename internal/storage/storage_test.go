package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annika-hq/plannersync/internal/types"
)

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestMappingSymmetry(t *testing.T) {
	client, _ := newTestClient(t)
	s := NewMappingStore(client, "test")
	ctx := context.Background()

	pairs := [][2]string{{"local-1", "remote-1"}, {"local-2", "remote-2"}, {"Task-x", "remote-3"}}
	for _, p := range pairs {
		require.NoError(t, s.StoreMapping(ctx, types.Mapping{LocalID: p[0], RemoteID: p[1], PlanID: "plan-a", ETag: "e-" + p[1]}))
		// redundant store is a no-op
		require.NoError(t, s.StoreMapping(ctx, types.Mapping{LocalID: p[0], RemoteID: p[1]}))
	}
	for _, p := range pairs {
		remote, err := s.GetRemoteID(ctx, p[0])
		require.NoError(t, err)
		assert.Equal(t, p[1], remote)
		local, err := s.GetLocalID(ctx, p[1])
		require.NoError(t, err)
		assert.Equal(t, p[0], local)
		token, err := s.GetVersionToken(ctx, p[1])
		require.NoError(t, err)
		assert.Equal(t, "e-"+p[1], token)
	}

	ids, err := s.PlanRemoteIDs(ctx, "plan-a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"remote-1", "remote-2", "remote-3"}, ids)

	require.NoError(t, s.RemoveMapping(ctx, "local-1", "remote-1"))
	remote, err := s.GetRemoteID(ctx, "local-1")
	require.NoError(t, err)
	assert.Empty(t, remote)
	local, err := s.GetLocalID(ctx, "remote-1")
	require.NoError(t, err)
	assert.Empty(t, local)
	token, err := s.GetVersionToken(ctx, "remote-1")
	require.NoError(t, err)
	assert.Empty(t, token)
	ids, err = s.PlanRemoteIDs(ctx, "plan-a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"remote-2", "remote-3"}, ids)

	// removing again is harmless
	require.NoError(t, s.RemoveMapping(ctx, "local-1", "remote-1"))
}

func TestStoreMappingClearsStaleLinks(t *testing.T) {
	client, _ := newTestClient(t)
	s := NewMappingStore(client, "test")
	ctx := context.Background()

	require.NoError(t, s.StoreMapping(ctx, types.Mapping{LocalID: "L", RemoteID: "R1", PlanID: "P"}))
	require.NoError(t, s.StoreMapping(ctx, types.Mapping{LocalID: "L", RemoteID: "R2", PlanID: "P"}))

	local, _ := s.GetLocalID(ctx, "R1")
	assert.Empty(t, local, "old remote no longer points at L")
	ids, _ := s.PlanRemoteIDs(ctx, "P")
	assert.Equal(t, []string{"R2"}, ids)

	require.NoError(t, s.StoreMapping(ctx, types.Mapping{LocalID: "L2", RemoteID: "R2"}))
	remote, _ := s.GetRemoteID(ctx, "L")
	assert.Empty(t, remote, "old local no longer points at R2")
}

func TestIndexPlanMovesTask(t *testing.T) {
	client, _ := newTestClient(t)
	s := NewMappingStore(client, "test")
	ctx := context.Background()

	require.NoError(t, s.StoreMapping(ctx, types.Mapping{LocalID: "L", RemoteID: "R", PlanID: "P1"}))
	require.NoError(t, s.IndexPlan(ctx, "R", "P2"))

	p1, _ := s.PlanRemoteIDs(ctx, "P1")
	p2, _ := s.PlanRemoteIDs(ctx, "P2")
	assert.Empty(t, p1)
	assert.Equal(t, []string{"R"}, p2)
	plan, _ := s.PlanOf(ctx, "R")
	assert.Equal(t, "P2", plan)
}

func TestUploadMarks(t *testing.T) {
	client, _ := newTestClient(t)
	s := NewMappingStore(client, "test")
	ctx := context.Background()

	at, err := s.UploadedAt(ctx, "L")
	require.NoError(t, err)
	assert.Empty(t, at)

	require.NoError(t, s.MarkUploaded(ctx, "L", "2025-01-01T00:00:00Z"))
	at, _ = s.UploadedAt(ctx, "L")
	assert.Equal(t, "2025-01-01T00:00:00Z", at)

	marks, err := s.UploadMarks(ctx)
	require.NoError(t, err)
	assert.Len(t, marks, 1)

	require.NoError(t, s.ClearUploaded(ctx, "L"))
	at, _ = s.UploadedAt(ctx, "L")
	assert.Empty(t, at)
}

func TestTaskStoreRoundTrip(t *testing.T) {
	client, _ := newTestClient(t)
	s := NewTaskStore(client, WithKeyPrefix("t:tasks:"))
	ctx := context.Background()

	task := &types.LocalTask{ID: "a1", Title: "Hello", Priority: types.PriorityHigh, Status: types.StatusInProgress, PercentComplete: 0.5, ModifiedAt: "2025-01-01T00:00:00Z"}
	require.NoError(t, s.PutTask(ctx, task))

	got, err := s.GetTask(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, task, got)

	mod, err := s.ModifiedAt(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "2025-01-01T00:00:00Z", mod)

	ids, err := s.ListTaskIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, ids)

	require.NoError(t, s.DeleteTask(ctx, "a1"))
	_, err = s.GetTask(ctx, "a1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskStoreMalformed(t *testing.T) {
	client, mr := newTestClient(t)
	s := NewTaskStore(client)
	ctx := context.Background()

	require.NoError(t, mr.Set(s.Key("bad"), "{not json"))
	_, err := s.GetTask(ctx, "bad")
	assert.True(t, errors.Is(err, ErrMalformed))

	require.NoError(t, mr.Set(s.Key("bad2"), `{"id":"bad2","priority":"extreme"}`))
	_, err = s.GetTask(ctx, "bad2")
	assert.True(t, errors.Is(err, ErrMalformed))

	assert.ErrorIs(t, s.SetDocument(ctx, s.Key("x"), []byte("nope")), ErrMalformed)
}

func TestUpdatePathKeepsOtherFields(t *testing.T) {
	client, _ := newTestClient(t)
	s := NewTaskStore(client)
	ctx := context.Background()

	require.NoError(t, s.PutTask(ctx, &types.LocalTask{ID: "a1", Title: "Keep", Description: "me"}))
	require.NoError(t, s.SetTaskField(ctx, "a1", "external_id", "remote-9"))

	got, err := s.GetTask(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "remote-9", got.ExternalID)
	assert.Equal(t, "Keep", got.Title)
	assert.Equal(t, "me", got.Description)

	assert.ErrorIs(t, s.SetTaskField(ctx, "missing", "title", "x"), ErrNotFound)
}

func TestPublishSubscribe(t *testing.T) {
	client, _ := newTestClient(t)
	s := NewTaskStore(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 1)
	done, err := s.Subscribe(ctx, s.Channel(), func(p []byte) { got <- string(p) })
	require.NoError(t, err)

	require.NoError(t, s.Announce(context.Background(), "a1", "upsert"))
	select {
	case msg := <-got:
		assert.JSONEq(t, `{"task_id":"a1","action":"upsert","source":"plannersync"}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

func TestOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := Open(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer client.Close()
	assert.NoError(t, client.Ping(context.Background()).Err())

	_, err = Open(context.Background(), "not a url")
	assert.Error(t, err)
}
