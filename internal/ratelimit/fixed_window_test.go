package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, limit int) (*FixedWindowLimiter, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := NewFixedWindowLimiter(client, "test:ratelimit", limit, time.Hour)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return limiter, srv
}

func TestFixedWindowLimiterBlocksOverQuota(t *testing.T) {
	limiter, _ := newTestLimiter(t, 2)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "batch-1")
		if err != nil || !ok {
			t.Fatalf("request %d should pass: %v %v", i+1, ok, err)
		}
	}
	if ok, err := limiter.Allow(ctx, "batch-1"); err != nil || ok {
		t.Fatalf("third request should be blocked: %v %v", ok, err)
	}
	if ok, err := limiter.Allow(ctx, "batch-2"); err != nil || !ok {
		t.Fatalf("other keys keep their own quota: %v %v", ok, err)
	}
}

func TestFixedWindowLimiterReportsRedisErrors(t *testing.T) {
	limiter, srv := newTestLimiter(t, 1)
	srv.Close()
	if _, err := limiter.Allow(context.Background(), "batch-1"); err == nil {
		t.Fatalf("expected error when redis is down")
	}
}

func TestFixedWindowLimiterValidatesConfig(t *testing.T) {
	if _, err := NewFixedWindowLimiter(nil, "", 1, time.Second); err == nil {
		t.Fatalf("expected error for missing client")
	}
	if _, err := NewFixedWindowLimiter(redis.NewClient(&redis.Options{}), "", 0, time.Second); err == nil {
		t.Fatalf("expected error for zero limit")
	}
}
