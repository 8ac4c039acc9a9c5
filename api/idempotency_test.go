package api

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newDeduper(t *testing.T, ttl time.Duration) (*RedisDeduper, *miniredis.Miniredis) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("redis close: %v", cerr)
		}
	})
	return NewRedisDeduper(client, ttl), m
}

func TestRedisDeduperAddMany(t *testing.T) {
	deduper, _ := newDeduper(t, time.Minute)
	ctx := context.Background()
	keys := []string{"k1", "k2", "k3"}

	first, err := deduper.AddMany(ctx, "user", keys)
	if err != nil {
		t.Fatalf("add many: %v", err)
	}
	if len(first) != len(keys) {
		t.Fatalf("unexpected results length: %d", len(first))
	}
	for i, added := range first {
		if !added {
			t.Fatalf("expected key %d to be added", i)
		}
	}

	second, err := deduper.AddMany(ctx, "user", keys)
	if err != nil {
		t.Fatalf("second add many: %v", err)
	}
	for i, added := range second {
		if added {
			t.Fatalf("expected key %d to be duplicate on second call", i)
		}
	}
}

func TestRedisDeduperKeysAreScopedPerUser(t *testing.T) {
	deduper, _ := newDeduper(t, time.Minute)
	ctx := context.Background()

	if _, err := deduper.AddMany(ctx, "alice", []string{"k1"}); err != nil {
		t.Fatalf("add for alice: %v", err)
	}
	res, err := deduper.AddMany(ctx, "bob", []string{"k1"})
	if err != nil {
		t.Fatalf("add for bob: %v", err)
	}
	if len(res) != 1 || !res[0] {
		t.Fatalf("expected same key to be fresh for another user, got %v", res)
	}
}

func TestRedisDeduperRemoveAllowsRetry(t *testing.T) {
	deduper, _ := newDeduper(t, time.Minute)
	ctx := context.Background()

	if _, err := deduper.AddMany(ctx, "user", []string{"k1"}); err != nil {
		t.Fatalf("add many: %v", err)
	}
	if err := deduper.Remove(ctx, "user", "k1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	res, err := deduper.AddMany(ctx, "user", []string{"k1"})
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if !res[0] {
		t.Fatalf("expected removed key to be accepted again")
	}
}

func TestRedisDeduperEntriesExpire(t *testing.T) {
	deduper, m := newDeduper(t, time.Minute)
	ctx := context.Background()

	if _, err := deduper.AddMany(ctx, "user", []string{"k1"}); err != nil {
		t.Fatalf("add many: %v", err)
	}
	m.FastForward(2 * time.Minute)

	res, err := deduper.AddMany(ctx, "user", []string{"k1"})
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if !res[0] {
		t.Fatalf("expected expired key to be accepted again")
	}
}
