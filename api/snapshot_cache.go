package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ericfitz/tmcollab/dfd"
	"github.com/ericfitz/tmcollab/internal/slogging"
	"github.com/redis/go-redis/v9"
)

// SnapshotCache keeps the latest serialized snapshot per diagram in Redis so
// late joiners and resync requests don't re-serialize the document under
// load. Entries are invalidated on every applied operation; a miss falls
// back to the live document.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSnapshotCache creates a snapshot cache with the given entry TTL
func NewSnapshotCache(client *redis.Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{client: client, ttl: ttl}
}

func (c *SnapshotCache) key(diagramID string) string {
	return "tmcollab:snapshot:" + diagramID
}

// Get returns the cached snapshot for a diagram, or ok=false on miss.
// Cache errors degrade to a miss; the caller always has the live document.
func (c *SnapshotCache) Get(ctx context.Context, diagramID string) (dfd.Snapshot, bool) {
	var snap dfd.Snapshot
	if c.client == nil {
		return snap, false
	}
	data, err := c.client.Get(ctx, c.key(diagramID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slogging.Get().Warn("Snapshot cache read error - Diagram: %s, Error: %v", diagramID, err)
		}
		return snap, false
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		slogging.Get().Warn("Snapshot cache entry corrupt, dropping - Diagram: %s, Error: %v", diagramID, err)
		c.Invalidate(ctx, diagramID)
		return snap, false
	}
	return snap, true
}

// Put stores a snapshot for a diagram
func (c *SnapshotCache) Put(ctx context.Context, diagramID string, snap dfd.Snapshot) error {
	if c.client == nil {
		return nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := c.client.Set(ctx, c.key(diagramID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

// Invalidate drops the cached snapshot for a diagram
func (c *SnapshotCache) Invalidate(ctx context.Context, diagramID string) {
	if c.client == nil {
		return
	}
	if err := c.client.Del(ctx, c.key(diagramID)).Err(); err != nil {
		slogging.Get().Warn("Snapshot cache invalidation error - Diagram: %s, Error: %v", diagramID, err)
	}
}
