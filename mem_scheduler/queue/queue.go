package queue

import (
	"context"
	"errors"

	"github.com/memstack/memgos/mem_scheduler/schemas"
)

// TotalSizeKey is the aggregate entry of a Sizes() result.
const TotalSizeKey = "total_size"

var ErrQueueClosed = errors.New("task queue is closed")

// TaskQueue is a mapping from stream key "{user}:{cube}:{label}" to a FIFO of
// messages. FIFO holds within a stream key; there is no ordering across keys.
// Delivery is at-least-once in process: duplicates may appear after a crash,
// so handlers must stay idempotent on item_id.
type TaskQueue interface {
	// Submit enqueues messages. When a per-stream bound is exceeded the
	// oldest entry is evicted; Submit never blocks the caller.
	Submit(ctx context.Context, msgs []schemas.Message) error
	// Get pops up to batch messages, round-robin across stream keys so no
	// single stream can starve the others.
	Get(ctx context.Context, batch int) ([]schemas.Message, error)
	// Ack acknowledges handled messages on backends that track delivery.
	Ack(ctx context.Context, msgs []schemas.Message) error
	// Sizes returns per-stream depths plus a TotalSizeKey aggregate.
	Sizes(ctx context.Context) (map[string]int, error)
	Close() error
}

// DropFunc observes messages evicted by the in-memory queue's drop-oldest
// policy. The Redis backend does not call it.
type DropFunc func(msg schemas.Message)
