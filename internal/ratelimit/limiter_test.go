package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// newTestLimiter creates a Limiter against a local Redis instance. Tests
// that call this helper require a running Redis on localhost:6379 and are
// skipped otherwise. Identifiers are fresh UUIDs so keys never collide.
func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client)
}

func TestAllowWithinLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	id := uuid.New().String()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: 10 * time.Second}

	for i := 0; i < rule.Limit; i++ {
		allowed, err := l.Allow(ctx, id, rule)
		if err != nil {
			t.Fatalf("allow %d: %v", i+1, err)
		}
		if !allowed {
			t.Fatalf("request %d blocked within limit", i+1)
		}
	}
}

func TestBlockOverLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	id := uuid.New().String()
	rule := Rule{Key: "rl:test:", Limit: 2, Window: 10 * time.Second}

	for i := 0; i < rule.Limit; i++ {
		if allowed, _ := l.Allow(ctx, id, rule); !allowed {
			t.Fatalf("request %d blocked within limit", i+1)
		}
	}

	allowed, err := l.Allow(ctx, id, rule)
	if err != nil {
		t.Fatalf("allow over limit: %v", err)
	}
	if allowed {
		t.Error("request over limit was allowed")
	}
}

func TestRemaining(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	id := uuid.New().String()
	rule := Rule{Key: "rl:test:", Limit: 5, Window: 10 * time.Second}

	rem, err := l.Remaining(ctx, id, rule)
	if err != nil {
		t.Fatalf("remaining before use: %v", err)
	}
	if rem != rule.Limit {
		t.Errorf("remaining = %d, want full limit %d", rem, rule.Limit)
	}

	if _, err := l.Allow(ctx, id, rule); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Allow(ctx, id, rule); err != nil {
		t.Fatal(err)
	}

	rem, err = l.Remaining(ctx, id, rule)
	if err != nil {
		t.Fatalf("remaining after use: %v", err)
	}
	if rem != rule.Limit-2 {
		t.Errorf("remaining = %d, want %d", rem, rule.Limit-2)
	}
}

func TestWindowExpiry(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	id := uuid.New().String()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: 200 * time.Millisecond}

	if allowed, _ := l.Allow(ctx, id, rule); !allowed {
		t.Fatal("first request blocked")
	}
	if allowed, _ := l.Allow(ctx, id, rule); allowed {
		t.Fatal("second request allowed over limit")
	}

	time.Sleep(rule.Window + 100*time.Millisecond)

	if allowed, _ := l.Allow(ctx, id, rule); !allowed {
		t.Error("request blocked after window expired")
	}
}
