package storage

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"taskdeck/domain"
)

type stubBackend struct {
	fetchTasksFn      func(ctx context.Context, userID string) ([]domain.TaskRecord, error)
	fetchProjectsFn   func(ctx context.Context, userID string) ([]domain.ProjectRecord, error)
	enqueueCommandsFn func(ctx context.Context, userID string, cmds []domain.Command) error
}

func (s *stubBackend) FetchTasks(ctx context.Context, userID string) ([]domain.TaskRecord, error) {
	if s.fetchTasksFn == nil {
		return nil, errors.New("unexpected FetchTasks call")
	}
	return s.fetchTasksFn(ctx, userID)
}

func (s *stubBackend) FetchProjects(ctx context.Context, userID string) ([]domain.ProjectRecord, error) {
	if s.fetchProjectsFn == nil {
		return nil, errors.New("unexpected FetchProjects call")
	}
	return s.fetchProjectsFn(ctx, userID)
}

func (s *stubBackend) EnqueueCommands(ctx context.Context, userID string, cmds []domain.Command) error {
	if s.enqueueCommandsFn == nil {
		return errors.New("unexpected EnqueueCommands call")
	}
	return s.enqueueCommandsFn(ctx, userID, cmds)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestCacheFetchTasksMissThenHit(t *testing.T) {
	mr, client := newTestRedis(t)

	ctx := context.Background()
	userID := "user-1"
	expected := []domain.TaskRecord{{ID: "t1", Title: "Write code", Status: domain.StatusPending}}

	var calls int
	cache := NewCache(&stubBackend{
		fetchTasksFn: func(ctx context.Context, uid string) ([]domain.TaskRecord, error) {
			calls++
			if uid != userID {
				t.Fatalf("unexpected user id: %s", uid)
			}
			return append([]domain.TaskRecord(nil), expected...), nil
		},
	}, client, time.Minute)

	tasks, err := cache.FetchTasks(ctx, userID)
	if err != nil {
		t.Fatalf("fetch tasks: %v", err)
	}
	if !reflect.DeepEqual(tasks, expected) {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call to backend, got %d", calls)
	}
	if ttl := mr.TTL(tasksCacheKey(userID)); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}

	cached, err := cache.FetchTasks(ctx, userID)
	if err != nil {
		t.Fatalf("fetch cached tasks: %v", err)
	}
	if !reflect.DeepEqual(cached, expected) {
		t.Fatalf("unexpected cached tasks: %#v", cached)
	}
	if calls != 1 {
		t.Fatalf("expected cached fetch to avoid backend, calls=%d", calls)
	}
}

func TestCacheFetchProjectsMissThenHit(t *testing.T) {
	_, client := newTestRedis(t)

	ctx := context.Background()
	userID := "user-2"
	expected := []domain.ProjectRecord{{ID: "p1", Name: "Launch", OwnerID: userID}}

	var calls int
	cache := NewCache(&stubBackend{
		fetchProjectsFn: func(ctx context.Context, uid string) ([]domain.ProjectRecord, error) {
			calls++
			return append([]domain.ProjectRecord(nil), expected...), nil
		},
	}, client, time.Minute)

	for i := 0; i < 2; i++ {
		projects, err := cache.FetchProjects(ctx, userID)
		if err != nil {
			t.Fatalf("fetch projects: %v", err)
		}
		if !reflect.DeepEqual(projects, expected) {
			t.Fatalf("unexpected projects: %#v", projects)
		}
	}
	if calls != 1 {
		t.Fatalf("expected 1 backend call, got %d", calls)
	}
}

func TestCacheEnqueueEvicts(t *testing.T) {
	mr, client := newTestRedis(t)

	ctx := context.Background()
	userID := "user-3"

	fetches := 0
	cache := NewCache(&stubBackend{
		fetchTasksFn: func(ctx context.Context, uid string) ([]domain.TaskRecord, error) {
			fetches++
			return []domain.TaskRecord{{ID: "t1", Status: domain.StatusPending}}, nil
		},
		enqueueCommandsFn: func(ctx context.Context, uid string, cmds []domain.Command) error {
			return nil
		},
	}, client, time.Minute)

	if _, err := cache.FetchTasks(ctx, userID); err != nil {
		t.Fatalf("prime cache: %v", err)
	}
	if !mr.Exists(tasksCacheKey(userID)) {
		t.Fatal("expected tasks cache entry after fetch")
	}

	if err := cache.EnqueueCommands(ctx, userID, []domain.Command{{EntityType: domain.EntityTask, Type: domain.CommandTaskCreate}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if mr.Exists(tasksCacheKey(userID)) {
		t.Fatal("expected tasks cache entry to be evicted after enqueue")
	}

	if _, err := cache.FetchTasks(ctx, userID); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if fetches != 2 {
		t.Fatalf("expected refetch after eviction, fetches=%d", fetches)
	}
}

func TestCacheEnqueueFailureDoesNotEvict(t *testing.T) {
	mr, client := newTestRedis(t)

	ctx := context.Background()
	userID := "user-4"
	wantErr := errors.New("queue down")

	cache := NewCache(&stubBackend{
		fetchTasksFn: func(ctx context.Context, uid string) ([]domain.TaskRecord, error) {
			return []domain.TaskRecord{{ID: "t1", Status: domain.StatusPending}}, nil
		},
		enqueueCommandsFn: func(ctx context.Context, uid string, cmds []domain.Command) error {
			return wantErr
		},
	}, client, time.Minute)

	if _, err := cache.FetchTasks(ctx, userID); err != nil {
		t.Fatalf("prime cache: %v", err)
	}
	if err := cache.EnqueueCommands(ctx, userID, []domain.Command{{Type: domain.CommandTaskUpdate}}); !errors.Is(err, wantErr) {
		t.Fatalf("expected enqueue error, got %v", err)
	}
	if !mr.Exists(tasksCacheKey(userID)) {
		t.Fatal("cache should survive a failed enqueue")
	}
}

func TestCacheCorruptEntryFallsBack(t *testing.T) {
	mr, client := newTestRedis(t)

	ctx := context.Background()
	userID := "user-5"
	if err := mr.Set(tasksCacheKey(userID), "{not json"); err != nil {
		t.Fatalf("seed corrupt entry: %v", err)
	}

	var calls int
	cache := NewCache(&stubBackend{
		fetchTasksFn: func(ctx context.Context, uid string) ([]domain.TaskRecord, error) {
			calls++
			return []domain.TaskRecord{{ID: "t1", Status: domain.StatusPending}}, nil
		},
	}, client, time.Minute)

	tasks, err := cache.FetchTasks(ctx, userID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(tasks) != 1 || calls != 1 {
		t.Fatalf("expected fallback to backend, tasks=%d calls=%d", len(tasks), calls)
	}
}

func TestCacheNilRedisPassesThrough(t *testing.T) {
	ctx := context.Background()

	var calls int
	cache := NewCache(&stubBackend{
		fetchTasksFn: func(ctx context.Context, uid string) ([]domain.TaskRecord, error) {
			calls++
			return nil, nil
		},
	}, nil, time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := cache.FetchTasks(ctx, "u"); err != nil {
			t.Fatalf("fetch: %v", err)
		}
	}
	if calls != 2 {
		t.Fatalf("nil redis should pass through every call, calls=%d", calls)
	}
}
