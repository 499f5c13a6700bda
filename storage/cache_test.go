package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

type countingStore struct {
	*Memory
	lists   int
	listErr error
}

func (c *countingStore) ListTasks(ctx context.Context) ([]domain.Task, error) {
	c.lists++
	if c.listErr != nil {
		return nil, c.listErr
	}
	return c.Memory.ListTasks(ctx)
}

func newTestCache(t *testing.T) (*Cache, *countingStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	base := &countingStore{Memory: NewMemory()}
	return NewCache(base, client, time.Minute), base, mr
}

func TestCacheListMissThenHit(t *testing.T) {
	cache, base, mr := newTestCache(t)
	ctx := context.Background()
	_, _ = base.CreateTask(ctx, domain.Task{Title: "a", Description: "b", Priority: domain.PriorityLow})

	first, err := cache.ListTasks(ctx)
	if err != nil || len(first) != 1 {
		t.Fatalf("first list: %#v %v", first, err)
	}
	second, err := cache.ListTasks(ctx)
	if err != nil || len(second) != 1 || second[0].ID != first[0].ID {
		t.Fatalf("second list: %#v %v", second, err)
	}
	if base.lists != 1 {
		t.Fatalf("expected 1 backend call, got %d", base.lists)
	}
	if ttl := mr.TTL(tasksCacheKey); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}
}

func TestCacheEvictsOnMutation(t *testing.T) {
	cache, base, mr := newTestCache(t)
	ctx := context.Background()

	_, _ = cache.ListTasks(ctx)
	created, err := cache.CreateTask(ctx, domain.Task{Title: "a", Description: "b", Priority: domain.PriorityLow})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if mr.Exists(tasksCacheKey) {
		t.Fatalf("create must evict the list")
	}
	list, _ := cache.ListTasks(ctx)
	if len(list) != 1 {
		t.Fatalf("expected fresh list, got %#v", list)
	}

	next := created
	next.Title = "c"
	next.Version = 2
	if err := cache.UpdateTask(ctx, next, 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	if mr.Exists(tasksCacheKey) {
		t.Fatalf("update must evict the list")
	}
	_, _ = cache.ListTasks(ctx)
	if ok, _ := cache.DeleteTask(ctx, created.ID); !ok {
		t.Fatalf("delete failed")
	}
	if mr.Exists(tasksCacheKey) {
		t.Fatalf("delete must evict the list")
	}
	if base.lists != 3 {
		t.Fatalf("expected 3 backend lists, got %d", base.lists)
	}
}

func TestCacheKeepsEntryOnFailedMutation(t *testing.T) {
	cache, _, mr := newTestCache(t)
	ctx := context.Background()
	_, _ = cache.ListTasks(ctx)
	err := cache.UpdateTask(ctx, domain.Task{ID: "missing", Version: 2}, 1)
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if !mr.Exists(tasksCacheKey) {
		t.Fatalf("failed mutation should not evict")
	}
}

func TestCacheIgnoresCorruptEntry(t *testing.T) {
	cache, base, mr := newTestCache(t)
	if err := mr.Set(tasksCacheKey, "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := cache.ListTasks(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}
	if base.lists != 1 {
		t.Fatalf("expected fallback to backend")
	}
}

func TestCachePropagatesBackendError(t *testing.T) {
	cache, base, mr := newTestCache(t)
	base.listErr = errors.New("down")
	if _, err := cache.ListTasks(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if mr.Exists(tasksCacheKey) {
		t.Fatalf("errors must not be cached")
	}
}

// pausingStore blocks ListTasks after the backing read until released.
type pausingStore struct {
	*Memory
	read    chan struct{}
	release chan struct{}
}

func (p *pausingStore) ListTasks(ctx context.Context) ([]domain.Task, error) {
	tasks, err := p.Memory.ListTasks(ctx)
	p.read <- struct{}{}
	<-p.release
	return tasks, err
}

func TestCacheDropsListReadBeforeCommit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	base := &pausingStore{Memory: NewMemory(), read: make(chan struct{}), release: make(chan struct{})}
	cache := NewCache(base, client, time.Minute)
	ctx := context.Background()

	slow := make(chan []domain.Task, 1)
	go func() {
		tasks, _ := cache.ListTasks(ctx)
		slow <- tasks
	}()
	<-base.read
	if _, err := cache.CreateTask(ctx, domain.Task{Title: "T1", Description: "d", Priority: domain.PriorityHigh}); err != nil {
		t.Fatalf("create: %v", err)
	}
	close(base.release)
	if stale := <-slow; len(stale) != 0 {
		t.Fatalf("reader began before the create, got %#v", stale)
	}
	if mr.Exists(tasksCacheKey) {
		t.Fatalf("list read before the commit was cached")
	}

	go func() { <-base.read }()
	list, err := cache.ListTasks(ctx)
	if err != nil || len(list) != 1 || list[0].Priority != domain.PriorityHigh {
		t.Fatalf("expected the committed task, got %#v %v", list, err)
	}
	if !mr.Exists(tasksCacheKey) {
		t.Fatalf("current list should be cached")
	}
	if got, _ := mr.Get(tasksGenKey); got != "1" {
		t.Fatalf("expected generation 1, got %q", got)
	}
}
