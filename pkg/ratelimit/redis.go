package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter counts requests in a fixed window shared by every replica.
// When Redis fails, Fallback decides; with no fallback the request passes.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Limit    int
	Prefix   string
	Timeout  time.Duration
	Fallback Limiter
}

func NewRedis(client *redis.Client, window time.Duration, limit int) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if limit <= 0 {
		limit = 1
	}
	perSecond := float64(limit) / window.Seconds()
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Limit:    limit,
		Prefix:   "peac:rl:",
		Timeout:  2 * time.Second,
		Fallback: NewInMemory(perSecond, limit),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) Decision {
	limit := l.Limit
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.fallback(ctx, key, limit)
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := rateLimitScript.Run(ctx, l.Client, []string{l.Prefix + key}, l.Window.Milliseconds()).Result()
	if err != nil {
		return l.fallback(ctx, key, limit)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.fallback(ctx, key, limit)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = l.Window.Milliseconds()
	}
	ttl := time.Duration(ttlMs) * time.Millisecond
	d := Decision{
		Allowed:   int(count) <= limit,
		Limit:     limit,
		Remaining: limit - int(count),
		ResetAt:   time.Now().UTC().Add(ttl),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfter = ttl
	}
	return d
}

func (l *RedisLimiter) fallback(ctx context.Context, key string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(ctx, key)
	}
	return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: time.Now().UTC().Add(l.Window)}
}
