package status

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memstack/memgos/mem_scheduler/schemas"
)

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker(nil)
	ctx := context.Background()

	tr.TaskSubmitted(ctx, "t1", "u1", "query", "c1", "biz-1")
	rec, err := tr.Get(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, schemas.TaskSubmitted, rec.State)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, "biz-1", rec.BusinessTaskID)

	tr.TaskRunning(ctx, "t1")
	tr.TaskSucceeded(ctx, "t1")
	rec, _ = tr.Get(ctx, "t1")
	assert.Equal(t, schemas.TaskSucceeded, rec.State)
	assert.False(t, rec.FinishedAt.IsZero())
}

func TestTrackerTerminalStatesAreFinal(t *testing.T) {
	tr := NewTracker(nil)
	ctx := context.Background()

	tr.TaskSubmitted(ctx, "t1", "u1", "query", "c1", "")
	tr.TaskFailed(ctx, "t1", "boom")
	tr.TaskSucceeded(ctx, "t1")

	rec, _ := tr.Get(ctx, "t1")
	assert.Equal(t, schemas.TaskFailed, rec.State)
	assert.Equal(t, "boom", rec.ErrorMessage)
}

func TestTrackerDroppedAndCancelled(t *testing.T) {
	tr := NewTracker(nil)
	ctx := context.Background()

	tr.TaskSubmitted(ctx, "t1", "u1", "mem_read", "c1", "")
	tr.TaskDropped(ctx, "t1")
	rec, _ := tr.Get(ctx, "t1")
	assert.Equal(t, schemas.TaskDropped, rec.State)

	tr.TaskSubmitted(ctx, "t2", "u1", "mem_read", "c1", "")
	tr.TaskCancelled(ctx, "t2")
	rec, _ = tr.Get(ctx, "t2")
	assert.Equal(t, schemas.TaskCancelled, rec.State)
}

func TestRedisBackendRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tr := NewTracker(NewRedisBackend(client))
	ctx := context.Background()

	tr.TaskSubmitted(ctx, "t1", "u1", "query", "c1", "")
	tr.TaskRunning(ctx, "t1")

	// A fresh tracker over the same backend sees the persisted state.
	tr2 := NewTracker(NewRedisBackend(client))
	rec, err := tr2.Get(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, schemas.TaskRunning, rec.State)
}
