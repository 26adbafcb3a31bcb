package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestSlidingWindowMemory(t *testing.T) {
	l := NewSlidingWindow(nil, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _ := l.Allow(ctx, "u1")
		assert.True(t, allowed, "request %d should be allowed", i)
	}
	allowed, remaining := l.Allow(ctx, "u1")
	assert.False(t, allowed)
	assert.Equal(t, 0, remaining)

	// Independent keys have independent windows.
	allowed, _ = l.Allow(ctx, "u2")
	assert.True(t, allowed)
}

func TestSlidingWindowRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewSlidingWindow(client, 2, time.Minute)
	ctx := context.Background()

	allowed, _ := l.Allow(ctx, "u1")
	assert.True(t, allowed)
	allowed, _ = l.Allow(ctx, "u1")
	assert.True(t, allowed)
	allowed, _ = l.Allow(ctx, "u1")
	assert.False(t, allowed)
}

func TestSlidingWindowExpiry(t *testing.T) {
	l := NewSlidingWindow(nil, 1, 10*time.Millisecond)
	ctx := context.Background()

	allowed, _ := l.Allow(ctx, "u1")
	assert.True(t, allowed)
	allowed, _ = l.Allow(ctx, "u1")
	assert.False(t, allowed)

	time.Sleep(20 * time.Millisecond)
	allowed, _ = l.Allow(ctx, "u1")
	assert.True(t, allowed, "window should have slid past the first request")
}

func TestTokenBucketReserve(t *testing.T) {
	l := NewTokenBucket(1, 1)

	ok, delay := l.Reserve("stream-1")
	assert.True(t, ok)
	assert.Zero(t, delay)

	ok, delay = l.Reserve("stream-1")
	assert.False(t, ok)
	assert.Greater(t, delay, time.Duration(0))

	// A different key has its own bucket.
	ok, _ = l.Reserve("stream-2")
	assert.True(t, ok)
}
