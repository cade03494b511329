package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"durable-queue/internal/config"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := New(client, config.RateLimitConfig{Capacity: capacity, RefillPerSec: refill, TTL: time.Minute})
	return b, mr
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)
	clock := time.UnixMilli(1_700_000_000_000)
	bucket.now = func() time.Time { return clock }

	allowed, _, err := bucket.Admit(ctx, "emails")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, left, _ := bucket.Admit(ctx, "emails")
	if !allowed || left != 0 {
		t.Fatalf("expected second token allowed with none left, got allowed=%v left=%v", allowed, left)
	}
	allowed, _, _ = bucket.Admit(ctx, "emails")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}

	// Topics have separate buckets.
	if allowed, _, _ := bucket.Admit(ctx, "reports"); !allowed {
		t.Fatalf("expected other topic to be admitted")
	}

	clock = clock.Add(1500 * time.Millisecond)
	if allowed, _, _ := bucket.Admit(ctx, "emails"); !allowed {
		t.Fatalf("expected a token after refill")
	}
	if allowed, _, _ := bucket.Admit(ctx, "emails"); allowed {
		t.Fatalf("expected refill to add only one whole token")
	}
}

func TestBucketExpires(t *testing.T) {
	bucket, mr := newBucket(t, 1, 1)
	if _, _, err := bucket.Admit(context.Background(), "emails"); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if ttl := mr.TTL(Key("emails")); ttl != time.Minute {
		t.Fatalf("expected key ttl of a minute, got %v", ttl)
	}
}

func TestDisabledBucketAdmitsEverything(t *testing.T) {
	b := New(nil, config.RateLimitConfig{})
	if b != nil {
		t.Fatalf("expected nil bucket when capacity is zero")
	}
	for i := 0; i < 5; i++ {
		if allowed, _, err := b.Admit(context.Background(), "t"); err != nil || !allowed {
			t.Fatalf("disabled bucket rejected: allowed=%v err=%v", allowed, err)
		}
	}
}

func TestAdmitReportsRedisFailure(t *testing.T) {
	bucket, mr := newBucket(t, 1, 1)
	mr.Close()
	if _, _, err := bucket.Admit(context.Background(), "emails"); err == nil {
		t.Fatalf("expected error once redis is gone")
	}
}
