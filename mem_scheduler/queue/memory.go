package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/memstack/memgos/mem_scheduler/observability"
	"github.com/memstack/memgos/mem_scheduler/schemas"
)

// MemoryQueue is the in-process TaskQueue backend: one bounded FIFO slice per
// stream key with a round-robin cursor across keys.
type MemoryQueue struct {
	mu           sync.Mutex
	streams      map[string][]schemas.Message
	order        []string // stream keys in first-seen order
	cursor       int
	maxPerStream int
	onDrop       DropFunc
	closed       bool
}

// NewMemoryQueue creates an in-memory queue. maxPerStream <= 0 means
// unbounded. onDrop may be nil.
func NewMemoryQueue(maxPerStream int, onDrop DropFunc) *MemoryQueue {
	return &MemoryQueue{
		streams:      make(map[string][]schemas.Message),
		maxPerStream: maxPerStream,
		onDrop:       onDrop,
	}
}

func (q *MemoryQueue) Submit(_ context.Context, msgs []schemas.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	for _, msg := range msgs {
		key := msg.QueueStreamKey()
		if _, ok := q.streams[key]; !ok {
			q.order = append(q.order, key)
		}
		stream := append(q.streams[key], msg)
		if q.maxPerStream > 0 && len(stream) > q.maxPerStream {
			dropped := stream[0]
			stream = stream[1:]
			observability.TasksDropped.WithLabelValues(dropped.UserID, dropped.Label).Inc()
			if q.onDrop != nil {
				q.onDrop(dropped)
			}
		}
		q.streams[key] = stream
	}
	return nil
}

func (q *MemoryQueue) Get(_ context.Context, batch int) ([]schemas.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	if batch <= 0 || len(q.order) == 0 {
		return nil, nil
	}

	var out []schemas.Message
	// Round-robin one message per stream key per lap until the batch fills
	// or everything is empty. The cursor persists across calls so busy
	// streams cannot monopolize consecutive batches.
	for len(out) < batch {
		progressed := false
		for i := 0; i < len(q.order) && len(out) < batch; i++ {
			key := q.order[(q.cursor+i)%len(q.order)]
			stream := q.streams[key]
			if len(stream) == 0 {
				continue
			}
			msg := stream[0]
			msg.StreamKey = key
			q.streams[key] = stream[1:]
			out = append(out, msg)
			progressed = true
		}
		if !progressed {
			break
		}
	}
	if len(q.order) > 0 {
		q.cursor = (q.cursor + 1) % len(q.order)
	}
	return out, nil
}

// Ack is a no-op for the in-memory backend.
func (q *MemoryQueue) Ack(context.Context, []schemas.Message) error { return nil }

func (q *MemoryQueue) Sizes(context.Context) (map[string]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sizes := make(map[string]int, len(q.streams)+1)
	total := 0
	keys := make([]string, 0, len(q.streams))
	for key := range q.streams {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		n := len(q.streams[key])
		sizes[key] = n
		total += n
	}
	sizes[TotalSizeKey] = total
	return sizes, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.streams = make(map[string][]schemas.Message)
	q.order = nil
	return nil
}
