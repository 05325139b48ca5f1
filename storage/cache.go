package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

// Cache wraps a TaskStore with Redis-backed caching for list reads.
// Writes pass through and evict. Redis failures fall back to the
// backing store without surfacing errors to callers.
type Cache struct {
	base  domain.TaskStore
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching TaskStore wrapper using the provided
// Redis client and TTL.
func NewCache(base domain.TaskStore, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func listCacheKey(status domain.Status) string {
	if status == "" {
		return "tasks:all"
	}
	return "tasks:status:" + string(status)
}

func (c *Cache) Get(ctx context.Context, id string) (*domain.Task, error) {
	return c.base.Get(ctx, id)
}

func (c *Cache) List(ctx context.Context, status domain.Status) ([]domain.Task, error) {
	if tasks, ok := c.loadFromCache(ctx, status); ok {
		return tasks, nil
	}
	tasks, err := c.base.List(ctx, status)
	if err != nil {
		return nil, err
	}
	c.store(ctx, status, tasks)
	return tasks, nil
}

func (c *Cache) Insert(ctx context.Context, t domain.Task) error {
	if err := c.base.Insert(ctx, t); err != nil {
		return err
	}
	c.evict(ctx)
	return nil
}

func (c *Cache) Update(ctx context.Context, id string, patch domain.TaskPatch) (*domain.Task, error) {
	t, err := c.base.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	if t != nil {
		c.evict(ctx)
	}
	return t, nil
}

func (c *Cache) Delete(ctx context.Context, id string) (*domain.Task, error) {
	t, err := c.base.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	if t != nil {
		c.evict(ctx)
	}
	return t, nil
}

func (c *Cache) MaxOrder(ctx context.Context) (int, bool, error) {
	return c.base.MaxOrder(ctx)
}

func (c *Cache) loadFromCache(ctx context.Context, status domain.Status) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, listCacheKey(status)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing store without failing.
			_ = c.redis.Del(ctx, listCacheKey(status)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, listCacheKey(status)).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) store(ctx context.Context, status domain.Status, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, listCacheKey(status), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context) {
	if c.redis == nil {
		return
	}
	keys := []string{
		listCacheKey(""),
		listCacheKey(domain.StatusTodo),
		listCacheKey(domain.StatusInProgress),
		listCacheKey(domain.StatusCompleted),
	}
	_, _ = c.redis.Del(ctx, keys...).Result()
}
