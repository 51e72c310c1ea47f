package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryLimiter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := NewInMemory(1, 2)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()
	key := "203.0.113.7"

	first := limiter.Allow(ctx, key)
	if !first.Allowed || first.Limit != 2 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.Allow(ctx, key)
	if !second.Allowed || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(ctx, key)
	if third.Allowed || third.RetryAfter != time.Second {
		t.Fatalf("unexpected third decision: %+v", third)
	}
	if other := limiter.Allow(ctx, "198.51.100.1"); !other.Allowed {
		t.Fatalf("keys must not share a bucket: %+v", other)
	}
	now = now.Add(time.Second)
	if refill := limiter.Allow(ctx, key); !refill.Allowed {
		t.Fatalf("expected a token after refill, got %+v", refill)
	}
}

func TestInMemoryLimiterDefaultsAndSweep(t *testing.T) {
	limiter := NewInMemory(0, 0)
	if limiter.limit != 1 || limiter.burst != 1 {
		t.Fatalf("unexpected defaults limit=%v burst=%d", limiter.limit, limiter.burst)
	}
	now := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return now }
	limiter.Allow(context.Background(), "a")
	limiter.Allow(context.Background(), "b")
	if limiter.Len() != 2 {
		t.Fatalf("expected 2 keys, got %d", limiter.Len())
	}
	now = now.Add(limiter.idleTTL + time.Second)
	limiter.Allow(context.Background(), "c")
	if limiter.Len() != 1 {
		t.Fatalf("idle keys must be swept, got %d", limiter.Len())
	}
}

func TestRedisLimiter(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	limiter := NewRedis(client, 25*time.Millisecond, 2)
	ctx := context.Background()
	key := "203.0.113.7"

	first := limiter.Allow(ctx, key)
	if !first.Allowed || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.Allow(ctx, key)
	if !second.Allowed || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(ctx, key)
	if third.Allowed || third.Remaining != 0 || third.RetryAfter <= 0 {
		t.Fatalf("unexpected third decision: %+v", third)
	}
	if !mr.Exists("peac:rl:" + key) {
		t.Fatal("expected prefixed counter key")
	}
	mr.FastForward(30 * time.Millisecond)
	if reset := limiter.Allow(ctx, key); !reset.Allowed || reset.Remaining != 1 {
		t.Fatalf("expected counter reset after window, got %+v", reset)
	}
}

func TestNewRedisDefaults(t *testing.T) {
	lim := NewRedis(nil, 0, 0)
	if lim.Window != time.Minute || lim.Limit != 1 || lim.Prefix != "peac:rl:" {
		t.Fatalf("unexpected defaults %+v", lim)
	}
	if lim.Fallback == nil {
		t.Fatal("expected in-memory fallback to be initialized")
	}
}

func TestRedisLimiterUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   0,
	})
	defer client.Close()
	ctx := context.Background()

	t.Run("fallback_enforces", func(t *testing.T) {
		limiter := NewRedis(client, time.Second, 1)
		if d := limiter.Allow(ctx, "k"); !d.Allowed {
			t.Fatalf("expected in-memory fallback allow on redis outage, got %+v", d)
		}
		if d := limiter.Allow(ctx, "k"); d.Allowed {
			t.Fatalf("expected fallback limiter to enforce limits, got %+v", d)
		}
	})

	t.Run("no_fallback_passes", func(t *testing.T) {
		limiter := &RedisLimiter{Client: client, Window: time.Second, Limit: 2}
		if d := limiter.Allow(ctx, "k"); !d.Allowed || d.Limit != 2 || d.Remaining != 2 {
			t.Fatalf("expected permissive decision, got %+v", d)
		}
	})

	t.Run("nil_client", func(t *testing.T) {
		limiter := &RedisLimiter{Window: time.Second}
		if d := limiter.Allow(ctx, "k"); !d.Allowed || d.Limit != 1 {
			t.Fatalf("expected permissive decision, got %+v", d)
		}
	})
}

func TestRedisLimiterUnexpectedScriptResult(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	originalScript := rateLimitScript
	rateLimitScript = redis.NewScript(`return "bad-value"`)
	defer func() { rateLimitScript = originalScript }()

	lim := &RedisLimiter{Client: client, Window: 100 * time.Millisecond, Limit: 5}
	if d := lim.Allow(context.Background(), "k"); !d.Allowed || d.Limit != 5 {
		t.Fatalf("expected permissive decision for invalid script result, got %+v", d)
	}
}

func TestMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	limiter := NewInMemory(0.001, 1)
	key := func(r *http.Request) string { return r.Header.Get("X-Client") }
	h := Middleware(limiter, key)(next)

	call := func(client string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/verify", nil)
		req.Header.Set("X-Client", client)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := call("a"); rec.Code != http.StatusNoContent || rec.Header().Get("RateLimit-Limit") != "1" {
		t.Fatalf("unexpected first response %d %v", rec.Code, rec.Header())
	}
	rec := call("a")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" || rec.Header().Get("Content-Type") != "application/problem+json" {
		t.Fatalf("unexpected throttle headers %v", rec.Header())
	}
	if rec := call(""); rec.Code != http.StatusNoContent {
		t.Fatalf("empty key must bypass the limiter, got %d", rec.Code)
	}
	if Middleware(nil, key)(next) == nil {
		t.Fatal("nil limiter must pass through")
	}
}
