// Package ratelimit throttles producers per topic with a token bucket kept in
// Redis, so every API replica shares the same budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"durable-queue/internal/config"
)

// TokenBucket admits at most Capacity adds per topic in a burst, refilled at
// RefillPerSec.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// New builds a bucket over client from cfg. It returns nil when cfg disables
// rate limiting; a nil *TokenBucket admits everything.
func New(client *redis.Client, cfg config.RateLimitConfig) *TokenBucket {
	if cfg.Capacity <= 0 {
		return nil
	}
	return &TokenBucket{
		client:   client,
		capacity: cfg.Capacity,
		refill:   cfg.RefillPerSec,
		ttl:      cfg.TTL,
		now:      time.Now,
	}
}

// NewClient connects to the Redis instance named by cfg.
func NewClient(cfg config.RateLimitConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// Key is the Redis key holding the bucket for topic.
func Key(topic string) string {
	return fmt.Sprintf("rl:%s", topic)
}

// Admit consumes one token from topic's bucket. It reports whether the add
// may proceed and how many tokens are left.
func (b *TokenBucket) Admit(ctx context.Context, topic string) (bool, float64, error) {
	if b == nil {
		return true, 0, nil
	}
	now := b.now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{Key(topic)}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", topic, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("rate limit %s: unexpected reply %v", topic, res)
	}
	allowed, _ := arr[0].(int64)
	// Lua numbers come back truncated to integers.
	left, _ := arr[1].(int64)
	return allowed == 1, float64(left), nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens)}
`)
