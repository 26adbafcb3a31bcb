package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memstack/memgos/mem_scheduler/config"
	"github.com/memstack/memgos/mem_scheduler/queue"
	"github.com/memstack/memgos/mem_scheduler/schemas"
	"github.com/memstack/memgos/mem_scheduler/status"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.ConsumeInterval = 5 * time.Millisecond
	cfg.ConsumeBatch = 8
	return cfg
}

type recordingHandler struct {
	mu    sync.Mutex
	calls [][]schemas.Message
}

func (r *recordingHandler) handle(_ context.Context, msgs []schemas.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, msgs)
	return nil
}

func (r *recordingHandler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Priority-1 labels execute inline before SubmitMessages returns; queued
// labels are present in the queue afterwards.
func TestPriorityOneBypassesQueue(t *testing.T) {
	tracker := status.NewTracker(nil)
	q := queue.NewMemoryQueue(0, nil)
	s := New(testConfig(), q, tracker, nil)

	answered := &recordingHandler{}
	reorganized := &recordingHandler{}
	s.RegisterHandlers(map[string]Registration{
		schemas.LabelAnswer:        {Fn: answered.handle, Priority: schemas.PriorityLevel1},
		schemas.LabelMemReorganize: {Fn: reorganized.handle},
	})

	ctx := context.Background()
	err := s.SubmitMessages(ctx, []schemas.Message{
		{ItemID: "ans-1", UserID: "u1", MemCubeID: "c1", Label: schemas.LabelAnswer, Content: "hello"},
		{ItemID: "org-1", UserID: "u1", MemCubeID: "c1", Label: schemas.LabelMemReorganize, Content: `["a"]`},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, answered.count(), "answer must be handled inline")
	assert.Equal(t, 0, reorganized.count(), "mem_reorganize must not run before the consumer starts")

	sizes, err := q.Sizes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sizes["u1:c1:mem_reorganize"])

	rec, _ := tracker.Get(ctx, "ans-1")
	require.NotNil(t, rec)
	assert.Equal(t, schemas.TaskSucceeded, rec.State)
}

// Every consumed message reaches a terminal status.
func TestConsumerDrivesTasksToTerminalState(t *testing.T) {
	tracker := status.NewTracker(nil)
	q := queue.NewMemoryQueue(0, nil)
	cfg := testConfig()
	s := New(cfg, q, tracker, nil)

	handled := &recordingHandler{}
	s.RegisterHandlers(map[string]Registration{
		schemas.LabelMemUpdate: {Fn: handled.handle},
	})

	s.Start()
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.SubmitMessages(ctx, []schemas.Message{
		{ItemID: "m-1", UserID: "u1", MemCubeID: "c1", Label: schemas.LabelMemUpdate, Content: "q1"},
		{ItemID: "m-2", UserID: "u2", MemCubeID: "c1", Label: schemas.LabelMemUpdate, Content: "q2"},
	}))

	require.Eventually(t, func() bool {
		r1, _ := tracker.Get(ctx, "m-1")
		r2, _ := tracker.Get(ctx, "m-2")
		return r1 != nil && r1.State.Terminal() && r2 != nil && r2.State.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	r1, _ := tracker.Get(ctx, "m-1")
	assert.Equal(t, schemas.TaskSucceeded, r1.State)
}

// Stream overflow evicts the oldest entry and records it as dropped.
func TestOverflowDropsOldestAndTracksState(t *testing.T) {
	tracker := status.NewTracker(nil)
	ctx := context.Background()
	q := queue.NewMemoryQueue(2, func(m schemas.Message) {
		tracker.TaskDropped(ctx, m.ItemID)
	})
	s := New(testConfig(), q, tracker, nil)

	for _, id := range []string{"m-1", "m-2", "m-3"} {
		require.NoError(t, s.SubmitMessages(ctx, []schemas.Message{
			{ItemID: id, UserID: "u1", MemCubeID: "c1", Label: schemas.LabelMemUpdate, Content: id},
		}))
	}

	rec, _ := tracker.Get(ctx, "m-1")
	require.NotNil(t, rec)
	assert.Equal(t, schemas.TaskDropped, rec.State)

	sizes, _ := q.Sizes(ctx)
	assert.Equal(t, 2, sizes["u1:c1:memory_update"])
}

func TestDisabledHandlersAreSkipped(t *testing.T) {
	cfg := testConfig()
	cfg.DisabledHandlers = []string{schemas.LabelMemUpdate}
	q := queue.NewMemoryQueue(0, nil)
	s := New(cfg, q, status.NewTracker(nil), nil)

	ctx := context.Background()
	require.NoError(t, s.SubmitMessages(ctx, []schemas.Message{
		{ItemID: "m-1", UserID: "u1", MemCubeID: "c1", Label: schemas.LabelMemUpdate, Content: "q"},
	}))
	sizes, _ := q.Sizes(ctx)
	assert.Zero(t, sizes[queue.TotalSizeKey])
}

func TestOrchestratorDefaults(t *testing.T) {
	o := NewOrchestrator()
	assert.Equal(t, schemas.PriorityLevel1, o.Priority(schemas.LabelQuery))
	assert.Equal(t, schemas.PriorityLevel1, o.Priority(schemas.LabelAnswer))
	assert.Equal(t, schemas.PriorityLevel1, o.Priority(schemas.LabelAdd))
	assert.Equal(t, schemas.PriorityLevel2, o.Priority(schemas.LabelMemUpdate))
	assert.Equal(t, schemas.PriorityLevel3, o.Priority(schemas.LabelMemReorganize))

	o.SetPriority(schemas.LabelMemUpdate, schemas.PriorityLevel1)
	assert.Equal(t, schemas.PriorityLevel1, o.Priority(schemas.LabelMemUpdate))
}
