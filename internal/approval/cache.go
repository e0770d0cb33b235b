package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	workflowCacheVersionKey = "approval:workflow:version"
	sharedLoadTimeout       = 10 * time.Second
)

// DefinitionCache keeps active-workflow lookups in Redis. Writes bump a global
// version so stale entries are never read again and simply expire.
type DefinitionCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewDefinitionCache instantiates the cache helper.
func NewDefinitionCache(client *redis.Client, ttl time.Duration) *DefinitionCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &DefinitionCache{client: client, ttl: ttl}
}

// Active returns the cached active workflow for entityType, loading it on a miss.
// Concurrent misses for the same key share one load.
func (c *DefinitionCache) Active(ctx context.Context, entityType EntityType, load func(context.Context, EntityType) (Workflow, error)) (Workflow, error) {
	if c == nil || c.client == nil {
		return load(ctx, entityType)
	}
	key, err := c.key(ctx, entityType)
	if err != nil {
		return load(ctx, entityType)
	}
	if payload, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var wf Workflow
		if err := json.Unmarshal(payload, &wf); err == nil {
			return wf, nil
		}
	}
	// The shared load outlives any single caller; each caller still stops waiting on its own ctx.
	ch := c.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedLoadTimeout)
		defer cancel()
		wf, err := load(loadCtx, entityType)
		if err != nil {
			return Workflow{}, err
		}
		if raw, err := json.Marshal(wf); err == nil {
			_ = c.client.Set(loadCtx, key, raw, c.ttl).Err()
		}
		return wf, nil
	})
	select {
	case <-ctx.Done():
		return Workflow{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Workflow{}, res.Err
		}
		return res.Val.(Workflow), nil
	}
}

// Invalidate drops every cached definition.
func (c *DefinitionCache) Invalidate(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, workflowCacheVersionKey).Err()
}

func (c *DefinitionCache) key(ctx context.Context, entityType EntityType) (string, error) {
	ver, err := c.client.Get(ctx, workflowCacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		ver = 0
	} else if err != nil {
		return "", err
	}
	return fmt.Sprintf("approval:workflow:active:%s:%d", entityType, ver), nil
}
