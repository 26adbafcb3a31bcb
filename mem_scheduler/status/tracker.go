package status

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/memstack/memgos/mem_scheduler/logx"
	"github.com/memstack/memgos/mem_scheduler/schemas"
)

// Backend persists task status records.
type Backend interface {
	Save(ctx context.Context, rec schemas.TaskStatusRecord) error
	Get(ctx context.Context, taskID string) (*schemas.TaskStatusRecord, error)
}

// Tracker records per-task lifecycle state. Transitions out of a terminal
// state are ignored; cancellation is best-effort and may race a running
// handler.
type Tracker struct {
	backend Backend

	mu    sync.Mutex
	cache map[string]schemas.TaskStatusRecord
}

// NewTracker wraps a backend. A nil backend keeps records in memory only.
func NewTracker(backend Backend) *Tracker {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Tracker{
		backend: backend,
		cache:   make(map[string]schemas.TaskStatusRecord),
	}
}

func (t *Tracker) transition(ctx context.Context, taskID string, mutate func(*schemas.TaskStatusRecord)) {
	t.mu.Lock()
	rec, ok := t.cache[taskID]
	if !ok {
		if loaded, err := t.backend.Get(ctx, taskID); err == nil && loaded != nil {
			rec = *loaded
		} else {
			rec = schemas.TaskStatusRecord{TaskID: taskID}
		}
	}
	if rec.State.Terminal() {
		t.mu.Unlock()
		return
	}
	mutate(&rec)
	t.cache[taskID] = rec
	t.mu.Unlock()

	if err := t.backend.Save(ctx, rec); err != nil {
		log := logx.WithComponent("status-tracker")
		log.Warn().Err(err).
			Str("task_id", taskID).Str("state", string(rec.State)).
			Msg("failed to persist task status")
	}
}

// TaskSubmitted records admission of a new task.
func (t *Tracker) TaskSubmitted(ctx context.Context, taskID, userID, label, memCubeID, businessTaskID string) {
	t.transition(ctx, taskID, func(rec *schemas.TaskStatusRecord) {
		rec.State = schemas.TaskSubmitted
		rec.UserID = userID
		rec.Label = label
		rec.MemCubeID = memCubeID
		rec.BusinessTaskID = businessTaskID
	})
}

// TaskRunning marks the task as picked up by a worker.
func (t *Tracker) TaskRunning(ctx context.Context, taskID string) {
	t.transition(ctx, taskID, func(rec *schemas.TaskStatusRecord) {
		rec.State = schemas.TaskRunning
		rec.StartedAt = time.Now().UTC()
	})
}

// TaskSucceeded marks normal completion.
func (t *Tracker) TaskSucceeded(ctx context.Context, taskID string) {
	t.transition(ctx, taskID, func(rec *schemas.TaskStatusRecord) {
		rec.State = schemas.TaskSucceeded
		rec.FinishedAt = time.Now().UTC()
	})
}

// TaskFailed marks failure with the given reason.
func (t *Tracker) TaskFailed(ctx context.Context, taskID, errMsg string) {
	t.transition(ctx, taskID, func(rec *schemas.TaskStatusRecord) {
		rec.State = schemas.TaskFailed
		rec.FinishedAt = time.Now().UTC()
		rec.ErrorMessage = errMsg
	})
}

// TaskDropped marks eviction by stream overflow.
func (t *Tracker) TaskDropped(ctx context.Context, taskID string) {
	t.transition(ctx, taskID, func(rec *schemas.TaskStatusRecord) {
		rec.State = schemas.TaskDropped
		rec.FinishedAt = time.Now().UTC()
	})
}

// TaskCancelled marks an explicit external cancellation.
func (t *Tracker) TaskCancelled(ctx context.Context, taskID string) {
	t.transition(ctx, taskID, func(rec *schemas.TaskStatusRecord) {
		rec.State = schemas.TaskCancelled
		rec.FinishedAt = time.Now().UTC()
	})
}

// Get returns the current record for a task, if known.
func (t *Tracker) Get(ctx context.Context, taskID string) (*schemas.TaskStatusRecord, error) {
	t.mu.Lock()
	if rec, ok := t.cache[taskID]; ok {
		t.mu.Unlock()
		out := rec
		return &out, nil
	}
	t.mu.Unlock()
	return t.backend.Get(ctx, taskID)
}

// MemoryBackend keeps records in a process-local map.
type MemoryBackend struct {
	mu   sync.RWMutex
	recs map[string]schemas.TaskStatusRecord
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{recs: make(map[string]schemas.TaskStatusRecord)}
}

func (b *MemoryBackend) Save(_ context.Context, rec schemas.TaskStatusRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recs[rec.TaskID] = rec
	return nil
}

func (b *MemoryBackend) Get(_ context.Context, taskID string) (*schemas.TaskStatusRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.recs[taskID]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

const (
	redisStatusPrefix = "memgos:task_status:"
	redisStatusTTL    = 24 * time.Hour
)

// RedisBackend persists records to the shared log so status survives the
// process and is visible across consumers.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Save(ctx context.Context, rec schemas.TaskStatusRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal status record: %w", err)
	}
	return b.client.Set(ctx, redisStatusPrefix+rec.TaskID, data, redisStatusTTL).Err()
}

func (b *RedisBackend) Get(ctx context.Context, taskID string) (*schemas.TaskStatusRecord, error) {
	data, err := b.client.Get(ctx, redisStatusPrefix+taskID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var rec schemas.TaskStatusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal status record: %w", err)
	}
	return &rec, nil
}
