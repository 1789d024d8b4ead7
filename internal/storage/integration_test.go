//go:build integration

package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/annika-hq/plannersync/internal/types"
)

// Runs against a real Redis in Docker:
//
//	go test -tags integration ./internal/storage/
func TestRealRedis(t *testing.T) {
	ctx := context.Background()
	ctr, err := tcredis.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	uri, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)
	client, err := Open(ctx, uri)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	t.Run("concurrent field updates all land", func(t *testing.T) {
		tasks := NewTaskStore(client)
		require.NoError(t, tasks.PutTask(ctx, &types.LocalTask{ID: "t1", Title: "Start", ModifiedAt: types.FormatTimestamp(time.Now())}))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, tasks.SetTaskField(ctx, "t1", fmt.Sprintf("probe.field%d", i), i))
			}(i)
		}
		wg.Wait()

		doc, err := tasks.GetDocument(ctx, tasks.Key("t1"))
		require.NoError(t, err)
		for i := 0; i < 8; i++ {
			assert.Contains(t, string(doc), fmt.Sprintf(`"field%d":%d`, i, i))
		}
	})

	t.Run("mappings survive a new connection", func(t *testing.T) {
		maps := NewMappingStore(client, "it")
		require.NoError(t, maps.StoreMapping(ctx, types.Mapping{LocalID: "l1", RemoteID: "r1", PlanID: "p1", ETag: "W/\"1\""}))

		other, err := Open(ctx, uri)
		require.NoError(t, err)
		defer func() { _ = other.Close() }()
		again := NewMappingStore(other, "it")
		remote, err := again.GetRemoteID(ctx, "l1")
		require.NoError(t, err)
		assert.Equal(t, "r1", remote)
		ids, err := again.PlanRemoteIDs(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, []string{"r1"}, ids)
	})
}
