package ratelimiter

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisLuaLimiter(t *testing.T) (*RedisLuaLimiter, func()) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedisLuaLimiter(rdb, nil)

	cleanup := func() {
		_ = rdb.Close()
		mr.Close()
	}

	return limiter, cleanup
}

func TestAllow_NilLimiter_FailOpen(t *testing.T) {
	ctx := context.Background()
	var limiter *RedisLuaLimiter

	allowed, retryAfter, err := limiter.Allow(ctx, "any", 1)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !allowed {
		t.Fatalf("expected allowed to be true for nil limiter")
	}
	if retryAfter != 0 {
		t.Fatalf("expected zero retryAfter, got %v", retryAfter)
	}
}

func TestAllow_NoBucketConfig_FailOpen(t *testing.T) {
	ctx := context.Background()
	limiter, cleanup := newTestRedisLuaLimiter(t)
	defer cleanup()

	allowed, retryAfter, err := limiter.Allow(ctx, "unknown-bucket", 1)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !allowed {
		t.Fatalf("expected allowed to be true when no bucket config is present")
	}
	if retryAfter != 0 {
		t.Fatalf("expected zero retryAfter, got %v", retryAfter)
	}
}

func TestAllow_WithBucket_RespectsCapacityAndRetryAfter(t *testing.T) {
	ctx := context.Background()
	limiter, cleanup := newTestRedisLuaLimiter(t)
	defer cleanup()

	key := "gemini"
	limiter.SetBucketConfig(key, BucketConfig{
		Capacity:   3,
		RefillRate: 0.000001,
	})

	for i := 0; i < 3; i++ {
		allowed, retryAfter, err := limiter.Allow(ctx, key, 1)
		if err != nil {
			t.Fatalf("unexpected error on allowed call %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected allowed=true on call %d", i)
		}
		if retryAfter != 0 {
			t.Fatalf("expected zero retryAfter on call %d, got %v", i, retryAfter)
		}
	}

	allowed, retryAfter, err := limiter.Allow(ctx, key, 1)
	if err != nil {
		t.Fatalf("unexpected error on exhausted bucket: %v", err)
	}
	if allowed {
		t.Fatalf("expected allowed=false once the bucket is drained")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected positive retryAfter, got %v", retryAfter)
	}
}

func TestNewBucketConfigFromPerMinute(t *testing.T) {
	cfg := NewBucketConfigFromPerMinute(60)
	if cfg.Capacity != 60 {
		t.Fatalf("expected capacity 60, got %d", cfg.Capacity)
	}
	if cfg.RefillRate != 1.0 {
		t.Fatalf("expected refill rate 1.0, got %f", cfg.RefillRate)
	}

	zero := NewBucketConfigFromPerMinute(0)
	if zero.Capacity != 0 {
		t.Fatalf("expected zero capacity for disabled limiter")
	}
}
