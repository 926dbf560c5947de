// Package ratelimit throttles enqueue traffic per actor with a Redis-backed token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed   bool
	Remaining float64
	// RetryAfter is how long until one token is available; zero when Allowed.
	RetryAfter time.Duration
}

// TokenBucket implements a distributed token bucket rate limiter using Redis.
// Buckets are shared by every API replica pointed at the same Redis.
type TokenBucket struct {
	client   redis.UniversalClient
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// Option customizes a TokenBucket.
type Option func(*TokenBucket)

// WithClock overrides the time source passed to the script.
func WithClock(now func() time.Time) Option {
	return func(b *TokenBucket) { b.now = now }
}

// WithPrefix namespaces bucket keys.
func WithPrefix(prefix string) Option {
	return func(b *TokenBucket) { b.prefix = prefix }
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
// An idle bucket expires after ttl; zero derives it from the time a full refill takes.
func NewTokenBucket(client redis.UniversalClient, capacity int, refillPerSecond float64, ttl time.Duration, opts ...Option) *TokenBucket {
	if ttl <= 0 && refillPerSecond > 0 {
		ttl = time.Duration(float64(capacity)/refillPerSecond*float64(time.Second)) + time.Minute
	}
	b := &TokenBucket{
		client:   client,
		prefix:   "ratelimit:enqueue:",
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow consumes a single token for key if available.
func (b *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	now := b.now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("token bucket: unexpected reply %v", res)
	}
	allowed, _ := arr[0].(int64)
	d := Decision{Allowed: allowed == 1}
	switch v := arr[1].(type) {
	case string:
		d.Remaining, _ = strconv.ParseFloat(v, 64)
	case int64:
		d.Remaining = float64(v)
	}
	if !d.Allowed && b.refill > 0 {
		d.RetryAfter = time.Duration((1 - d.Remaining) / b.refill * float64(time.Second))
	}
	return d, nil
}

// Tokens are returned as a string so fractional refills survive the Lua to RESP conversion.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
