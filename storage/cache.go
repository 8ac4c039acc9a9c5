package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"taskdeck/domain"
)

type backend interface {
	FetchTasks(ctx context.Context, userID string) ([]domain.TaskRecord, error)
	FetchProjects(ctx context.Context, userID string) ([]domain.ProjectRecord, error)
	EnqueueCommands(ctx context.Context, userID string, cmds []domain.Command) error
}

// Cache wraps a Storage instance with Redis-backed caching for the hot
// read paths (task list, project list). Every mutation enqueue evicts the
// user's entries so the next fetch observes the backend's state.
type Cache struct {
	*Storage
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Storage wrapper using the provided Redis
// client and TTL. A nil client or zero TTL degrades to pass-through.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}

	c := &Cache{
		base:  base,
		redis: client,
		ttl:   ttl,
	}
	if s, ok := base.(*Storage); ok {
		c.Storage = s
	}
	return c
}

func (c *Cache) FetchTasks(ctx context.Context, userID string) ([]domain.TaskRecord, error) {
	if tasks, ok := c.loadTasksFromCache(ctx, userID); ok {
		return tasks, nil
	}

	tasks, err := c.base.FetchTasks(ctx, userID)
	if err != nil {
		return nil, err
	}

	c.store(ctx, tasksCacheKey(userID), tasks)
	return tasks, nil
}

func (c *Cache) FetchProjects(ctx context.Context, userID string) ([]domain.ProjectRecord, error) {
	if projects, ok := c.loadProjectsFromCache(ctx, userID); ok {
		return projects, nil
	}

	projects, err := c.base.FetchProjects(ctx, userID)
	if err != nil {
		return nil, err
	}

	c.store(ctx, projectsCacheKey(userID), projects)
	return projects, nil
}

func (c *Cache) EnqueueCommands(ctx context.Context, userID string, cmds []domain.Command) error {
	if err := c.base.EnqueueCommands(ctx, userID, cmds); err != nil {
		return err
	}

	c.Evict(ctx, userID)
	return nil
}

// Evict drops the user's cached read-model entries. Exposed so the
// realtime subscriber can force the next fetch past the cache when the
// backend reports a change.
func (c *Cache) Evict(ctx context.Context, userID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, tasksCacheKey(userID), projectsCacheKey(userID)).Result()
}

func (c *Cache) loadTasksFromCache(ctx context.Context, userID string) ([]domain.TaskRecord, bool) {
	data, ok := c.load(ctx, tasksCacheKey(userID))
	if !ok {
		return nil, false
	}
	var tasks []domain.TaskRecord
	if err := json.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(userID)).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) loadProjectsFromCache(ctx context.Context, userID string) ([]domain.ProjectRecord, bool) {
	data, ok := c.load(ctx, projectsCacheKey(userID))
	if !ok {
		return nil, false
	}
	var projects []domain.ProjectRecord
	if err := json.Unmarshal(data, &projects); err != nil {
		_ = c.redis.Del(ctx, projectsCacheKey(userID)).Err()
		return nil, false
	}
	return projects, true
}

func (c *Cache) load(ctx context.Context, key string) ([]byte, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return nil, false
	}
	return data, true
}

func (c *Cache) store(ctx context.Context, key string, value any) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

func tasksCacheKey(userID string) string {
	return "tasks:" + userID
}

func projectsCacheKey(userID string) string {
	return "projects:" + userID
}
