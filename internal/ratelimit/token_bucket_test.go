package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)
	clock := time.UnixMilli(1_700_000_000_000)
	bucket.now = func() time.Time { return clock }

	d, err := bucket.Allow(ctx, "u1")
	if err != nil || !d.Allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", d.Allowed, err)
	}
	d, _ = bucket.Allow(ctx, "u1")
	if !d.Allowed {
		t.Fatalf("expected second token allowed")
	}
	d, _ = bucket.Allow(ctx, "u1")
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if d.RetryAfter != time.Second {
		t.Fatalf("expected retry after 1s, got %v", d.RetryAfter)
	}

	if other, _ := bucket.Allow(ctx, "u2"); !other.Allowed {
		t.Fatalf("buckets must be per key")
	}

	// The script takes time from the caller, so refill is driven by the injected clock.
	clock = clock.Add(1500 * time.Millisecond)
	d, _ = bucket.Allow(ctx, "u1")
	if !d.Allowed {
		t.Fatalf("expected a refilled token")
	}
	if d.Remaining < 0.49 || d.Remaining > 0.51 {
		t.Fatalf("expected half a token left, got %v", d.Remaining)
	}
	if ttl := mr.TTL("ratelimit:submit:u1"); ttl != time.Minute {
		t.Fatalf("expected bucket ttl of a minute, got %v", ttl)
	}
}
