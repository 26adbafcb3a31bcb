package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memstack/memgos/mem_scheduler/schemas"
)

func newTestRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q, err := NewRedisQueue(client, "test-consumer", 100, nil)
	require.NoError(t, err)
	return q
}

func TestRedisQueueSubmitGetAck(t *testing.T) {
	q := newTestRedisQueue(t)
	ctx := context.Background()

	msgs := []schemas.Message{
		msg("u1", "c1", "memory_update", "item-1"),
		msg("u1", "c1", "memory_update", "item-2"),
		msg("u2", "c1", "mem_read", "item-3"),
	}
	require.NoError(t, q.Submit(ctx, msgs))

	sizes, err := q.Sizes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sizes["u1:c1:memory_update"])
	assert.Equal(t, 1, sizes["u2:c1:mem_read"])
	assert.Equal(t, 3, sizes[TotalSizeKey])

	got, err := q.Get(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, m := range got {
		assert.NotEmpty(t, m.StreamID)
		assert.NotEmpty(t, m.StreamKey)
	}
	require.NoError(t, q.Ack(ctx, got))

	// Everything delivered; a second pull returns nothing new.
	again, err := q.Get(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRedisQueueFIFOWithinStream(t *testing.T) {
	q := newTestRedisQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Submit(ctx, []schemas.Message{msg("u1", "c1", "memory_update", id)}))
	}
	got, err := q.Get(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].ItemID)
	assert.Equal(t, "b", got[1].ItemID)
	assert.Equal(t, "c", got[2].ItemID)
}
