package api

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ericfitz/tmcollab/dfd"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotCache(t *testing.T) {
	ctx := context.Background()

	buildSnapshot := func(t *testing.T) dfd.Snapshot {
		t.Helper()
		doc := dfd.NewDocument()
		require.NoError(t, doc.AddNode(testNode("cached")))
		return doc.Snapshot()
	}

	t.Run("put then get round trips", func(t *testing.T) {
		cache := NewSnapshotCache(newTestRedis(t), time.Minute)
		snap := buildSnapshot(t)

		require.NoError(t, cache.Put(ctx, "diagram-1", snap))
		got, ok := cache.Get(ctx, "diagram-1")
		require.True(t, ok)
		require.Len(t, got.Nodes, 1)
		assert.Equal(t, snap.Nodes[0].ID, got.Nodes[0].ID)
	})

	t.Run("miss for unknown diagram", func(t *testing.T) {
		cache := NewSnapshotCache(newTestRedis(t), time.Minute)
		_, ok := cache.Get(ctx, "never-cached")
		assert.False(t, ok)
	})

	t.Run("invalidate drops the entry", func(t *testing.T) {
		cache := NewSnapshotCache(newTestRedis(t), time.Minute)
		require.NoError(t, cache.Put(ctx, "diagram-1", buildSnapshot(t)))

		cache.Invalidate(ctx, "diagram-1")
		_, ok := cache.Get(ctx, "diagram-1")
		assert.False(t, ok)
	})

	t.Run("corrupt entry degrades to a miss and is dropped", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		cache := NewSnapshotCache(client, time.Minute)

		require.NoError(t, mr.Set("tmcollab:snapshot:diagram-1", "not json"))
		_, ok := cache.Get(ctx, "diagram-1")
		assert.False(t, ok)

		exists := client.Exists(ctx, "tmcollab:snapshot:diagram-1").Val()
		assert.Zero(t, exists)
	})

	t.Run("entries expire with the ttl", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		cache := NewSnapshotCache(client, time.Second)

		require.NoError(t, cache.Put(ctx, "diagram-1", buildSnapshot(t)))
		mr.FastForward(2 * time.Second)

		_, ok := cache.Get(ctx, "diagram-1")
		assert.False(t, ok)
	})

	t.Run("nil client is a no-op", func(t *testing.T) {
		cache := NewSnapshotCache(nil, time.Minute)
		require.NoError(t, cache.Put(ctx, "diagram-1", buildSnapshot(t)))
		_, ok := cache.Get(ctx, "diagram-1")
		assert.False(t, ok)
	})
}
