package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *clock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return NewTokenBucket(client, capacity, refill, time.Minute, WithClock(c.Now)), c, mr
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _, _ := newBucket(t, 2, 1)

	d, err := bucket.Allow(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.InDelta(t, 1, d.Remaining, 0.001)

	d, err = bucket.Allow(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = bucket.Allow(ctx, "user-1")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, time.Second, d.RetryAfter)

	// Buckets are per key.
	d, err = bucket.Allow(ctx, "user-2")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestTokenBucket_Refill(t *testing.T) {
	ctx := context.Background()
	bucket, c, _ := newBucket(t, 1, 2)

	d, err := bucket.Allow(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	c.Advance(250 * time.Millisecond)
	d, err = bucket.Allow(ctx, "user-1")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.InDelta(t, 0.5, d.Remaining, 0.001)

	c.Advance(250 * time.Millisecond)
	d, err = bucket.Allow(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestTokenBucket_KeysExpire(t *testing.T) {
	ctx := context.Background()
	bucket, _, mr := newBucket(t, 3, 1)

	_, err := bucket.Allow(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, mr.Exists("ratelimit:enqueue:user-1"))

	mr.FastForward(2 * time.Minute)
	require.False(t, mr.Exists("ratelimit:enqueue:user-1"))
}

func TestTokenBucket_RedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	bucket := NewTokenBucket(client, 1, 1, 0)
	mr.Close()

	_, err = bucket.Allow(context.Background(), "user-1")
	require.Error(t, err)
}
