package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const (
	tasksCacheKey = "tasks:all"
	tasksGenKey   = "tasks:gen"
)

// Cache wraps a task store with a Redis copy of the full task list. Every
// successful mutation bumps a generation counter and evicts the list. A
// reader refills the list only if the generation it saw before reading the
// backing store is still current, so a list read before a commit is never
// cached after it.
type Cache struct {
	base  domain.TaskStore
	redis *redis.Client
	ttl   time.Duration
}

var _ domain.TaskStore = (*Cache)(nil)

// NewCache creates a caching wrapper around base using the given Redis client and TTL.
func NewCache(base domain.TaskStore, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) ListTasks(ctx context.Context) ([]domain.Task, error) {
	if tasks, ok := c.load(ctx); ok {
		return tasks, nil
	}
	gen, genOK := c.generation(ctx)
	tasks, err := c.base.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	if genOK {
		c.store(ctx, gen, tasks)
	}
	return tasks, nil
}

func (c *Cache) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return c.base.GetTask(ctx, id)
}

func (c *Cache) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	created, err := c.base.CreateTask(ctx, t)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx)
	return created, nil
}

func (c *Cache) UpdateTask(ctx context.Context, t domain.Task, expectedVersion int64) error {
	if err := c.base.UpdateTask(ctx, t, expectedVersion); err != nil {
		return err
	}
	c.evict(ctx)
	return nil
}

func (c *Cache) DeleteTask(ctx context.Context, id string) (bool, error) {
	ok, err := c.base.DeleteTask(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		c.evict(ctx)
	}
	return ok, nil
}

func (c *Cache) load(ctx context.Context) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing store without failing.
			_ = c.redis.Del(ctx, tasksCacheKey).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey).Err()
		return nil, false
	}
	return tasks, true
}

// generation returns the current mutation counter. A missing key reads as 0.
func (c *Cache) generation(ctx context.Context) (int64, bool) {
	if c.redis == nil {
		return 0, false
	}
	gen, err := c.redis.Get(ctx, tasksGenKey).Int64()
	if err == redis.Nil {
		return 0, true
	}
	return gen, err == nil
}

// store writes tasks under WATCH so a mutation that bumped the generation
// after gen was read, or does so before EXEC, discards the write.
func (c *Cache) store(ctx context.Context, gen int64, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	err = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, tasksGenKey).Int64()
		if err == redis.Nil {
			cur, err = 0, nil
		}
		if err != nil {
			return err
		}
		if cur != gen {
			return errStaleList
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, tasksCacheKey, data, c.ttl)
			return nil
		})
		return err
	}, tasksGenKey)
	if err != nil && err != errStaleList && err != redis.TxFailedErr {
		log.WithError(err).Debug("task cache refill failed")
	}
}

var errStaleList = errors.New("task list superseded by a mutation")

func (c *Cache) evict(ctx context.Context) {
	if c.redis == nil {
		return
	}
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, tasksGenKey)
		pipe.Del(ctx, tasksCacheKey)
		return nil
	})
	if err != nil {
		log.WithError(err).Warn("task cache eviction failed")
	}
}

// Ping forwards to the wrapped store when it supports health checks.
func (c *Cache) Ping(ctx context.Context) error {
	if p, ok := c.base.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}
