package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisCache_StoreSent_Success(t *testing.T) {
	t.Parallel()

	mr, rdb := newTestRedis(t)

	ttl := 10 * time.Second
	cache := NewRedisCache(rdb, ttl)

	ctx := context.Background()
	jobID := "0b8f6a4e-1f7e-4c55-9f0e-4a3c1c2d9e10"
	remoteID := "3EB0C431C26A1916E07A"
	sentAt := time.Date(2026, 2, 2, 18, 0, 0, 0, time.UTC)

	if err := cache.StoreSent(ctx, jobID, remoteID, sentAt); err != nil {
		t.Fatalf("StoreSent() error: %v", err)
	}

	key := "msg:" + jobID

	if !mr.Exists(key) {
		t.Fatalf("expected key %q to exist", key)
	}

	ttlRemaining := mr.TTL(key)
	if ttlRemaining <= 0 {
		t.Fatalf("expected TTL to be set, got %v", ttlRemaining)
	}

	raw, err := mr.Get(key)
	if err != nil {
		t.Fatalf("failed to get key %q: %v", key, err)
	}

	var got receipt
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("failed to unmarshal value: %v", err)
	}

	if got.ProviderMessageID != remoteID {
		t.Fatalf("expected ProviderMessageID %q, got %q", remoteID, got.ProviderMessageID)
	}
	if !got.SentAt.Equal(sentAt) {
		t.Fatalf("expected SentAt %v, got %v", sentAt, got.SentAt)
	}
}

func TestRedisCache_StoreSent_OverwritesExistingValue(t *testing.T) {
	t.Parallel()

	mr, rdb := newTestRedis(t)
	cache := NewRedisCache(rdb, time.Minute)
	ctx := context.Background()

	if err := cache.StoreSent(ctx, "j1", "first", time.Now()); err != nil {
		t.Fatalf("first StoreSent() error: %v", err)
	}
	if err := cache.StoreSent(ctx, "j1", "second", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("second StoreSent() error: %v", err)
	}

	raw, err := mr.Get("msg:j1")
	if err != nil {
		t.Fatalf("failed to get key msg:j1: %v", err)
	}

	var got receipt
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("failed to unmarshal value: %v", err)
	}
	if got.ProviderMessageID != "second" {
		t.Fatalf("expected overwritten ProviderMessageID %q, got %q", "second", got.ProviderMessageID)
	}
}

func TestRedisCache_StoreSent_ContextCanceled(t *testing.T) {
	t.Parallel()

	_, rdb := newTestRedis(t)
	cache := NewRedisCache(rdb, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := cache.StoreSent(ctx, "j1", "x", time.Now()); err == nil {
		t.Fatalf("expected error due to canceled context, got nil")
	}
}

func TestRedisCache_SentTotal(t *testing.T) {
	t.Parallel()

	mr, rdb := newTestRedis(t)
	cache := NewRedisCache(rdb, time.Minute)
	ctx := context.Background()

	total, err := cache.SentTotal(ctx)
	if err != nil {
		t.Fatalf("SentTotal() error: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected 0 before any send, got %d", total)
	}

	for i := 1; i <= 3; i++ {
		n, err := cache.IncrSent(ctx)
		if err != nil {
			t.Fatalf("IncrSent() error: %v", err)
		}
		if n != int64(i) {
			t.Fatalf("expected running total %d, got %d", i, n)
		}
	}

	total, err = cache.SentTotal(ctx)
	if err != nil {
		t.Fatalf("SentTotal() error: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3, got %d", total)
	}
	if mr.TTL(sentTotalKey) != 0 {
		t.Fatalf("expected running total to have no TTL")
	}
}

func TestMemoryCache(t *testing.T) {
	t.Parallel()

	c := NewMemoryCache()
	ctx := context.Background()
	sentAt := time.Date(2026, 2, 2, 18, 0, 0, 0, time.FixedZone("CET", 3600))

	if err := c.StoreSent(ctx, "j1", "wamid", sentAt); err != nil {
		t.Fatalf("StoreSent() error: %v", err)
	}
	r, ok := c.receipt("j1")
	if !ok || r.ProviderMessageID != "wamid" || r.SentAt.Location() != time.UTC {
		t.Fatalf("unexpected receipt: %#v ok=%v", r, ok)
	}

	if _, err := c.IncrSent(ctx); err != nil {
		t.Fatalf("IncrSent() error: %v", err)
	}
	if n, _ := c.SentTotal(ctx); n != 1 {
		t.Fatalf("expected total 1, got %d", n)
	}
}
