package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/memstack/memgos/mem_scheduler/logx"
	"github.com/memstack/memgos/mem_scheduler/observability"
	"github.com/memstack/memgos/mem_scheduler/schemas"
)

const (
	redisStreamPrefix = "memgos:queue:"
	redisStreamIndex  = "memgos:queue:streams"
	redisGroup        = "memgos-scheduler"
)

// RedisQueue is the distributed TaskQueue backend over Redis streams. Each
// stream key maps to one stream; consumer groups give cross-process
// visibility and per-message acknowledgement. Overflow trimming is
// approximate, so a stream can hold more than maxPerStream entries for a
// while, and trimmed entries are not reported to onDrop.
type RedisQueue struct {
	client       *redis.Client
	consumer     string
	maxPerStream int64
	onDrop       DropFunc
}

// NewRedisQueue connects and verifies the shared log.
func NewRedisQueue(client *redis.Client, consumer string, maxPerStream int, onDrop DropFunc) (*RedisQueue, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping shared log: %w", err)
	}
	return &RedisQueue{
		client:       client,
		consumer:     consumer,
		maxPerStream: int64(maxPerStream),
		onDrop:       onDrop,
	}, nil
}

func (q *RedisQueue) streamName(key string) string { return redisStreamPrefix + key }

func (q *RedisQueue) ensureGroup(ctx context.Context, stream string) error {
	err := q.client.XGroupCreateMkStream(ctx, stream, redisGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (q *RedisQueue) Submit(ctx context.Context, msgs []schemas.Message) error {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	for _, msg := range msgs {
		key := msg.QueueStreamKey()
		stream := q.streamName(key)
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message %s: %w", msg.ItemID, err)
		}
		if err := q.ensureGroup(ctx, stream); err != nil {
			return fmt.Errorf("ensure group for %s: %w", key, err)
		}
		if err := q.client.SAdd(ctx, redisStreamIndex, key).Err(); err != nil {
			return fmt.Errorf("index stream %s: %w", key, err)
		}
		args := &redis.XAddArgs{
			Stream: stream,
			Values: map[string]any{"payload": payload},
		}
		if q.maxPerStream > 0 {
			// Approximate trim keeps the stream bounded; evicted entries are
			// the oldest. Redis trims them silently: onDrop is not called.
			args.MaxLen = q.maxPerStream
			args.Approx = true
		}
		if err := q.client.XAdd(ctx, args).Err(); err != nil {
			return fmt.Errorf("xadd to %s: %w", key, err)
		}
	}
	return nil
}

func (q *RedisQueue) Get(ctx context.Context, batch int) ([]schemas.Message, error) {
	if batch <= 0 {
		return nil, nil
	}
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	keys, err := q.client.SMembers(ctx, redisStreamIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	// One short read per stream, budget split evenly, remainder to the first
	// streams in index order. When batch is smaller than the number of
	// streams, streams whose share is zero are not read on this call.
	perStream := batch / len(keys)
	remainder := batch % len(keys)

	log := logx.WithComponent("redis-queue")
	var out []schemas.Message
	for i, key := range keys {
		count := perStream
		if i < remainder {
			count++
		}
		if count == 0 {
			continue
		}
		stream := q.streamName(key)
		res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    redisGroup,
			Consumer: q.consumer,
			Streams:  []string{stream, ">"},
			Count:    int64(count),
			Block:    time.Millisecond,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if strings.Contains(err.Error(), "NOGROUP") {
				if gerr := q.ensureGroup(ctx, stream); gerr != nil {
					log.Warn().Err(gerr).Str("stream", key).Msg("recreate consumer group failed")
				}
				continue
			}
			log.Warn().Err(err).Str("stream", key).Msg("xreadgroup failed")
			continue
		}
		for _, xs := range res {
			for _, entry := range xs.Messages {
				raw, ok := entry.Values["payload"].(string)
				if !ok {
					log.Warn().Str("stream", key).Str("id", entry.ID).Msg("entry missing payload")
					continue
				}
				var msg schemas.Message
				if err := json.Unmarshal([]byte(raw), &msg); err != nil {
					log.Warn().Err(err).Str("stream", key).Str("id", entry.ID).Msg("undecodable entry dropped")
					continue
				}
				msg.StreamID = entry.ID
				msg.StreamKey = key
				out = append(out, msg)
			}
		}
	}
	return out, nil
}

func (q *RedisQueue) Ack(ctx context.Context, msgs []schemas.Message) error {
	for _, msg := range msgs {
		if msg.StreamID == "" || msg.StreamKey == "" {
			continue
		}
		if err := q.client.XAck(ctx, q.streamName(msg.StreamKey), redisGroup, msg.StreamID).Err(); err != nil {
			return fmt.Errorf("xack %s on %s: %w", msg.StreamID, msg.StreamKey, err)
		}
	}
	return nil
}

func (q *RedisQueue) Sizes(ctx context.Context) (map[string]int, error) {
	keys, err := q.client.SMembers(ctx, redisStreamIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	sizes := make(map[string]int, len(keys)+1)
	total := 0
	for _, key := range keys {
		n, err := q.client.XLen(ctx, q.streamName(key)).Result()
		if err != nil {
			return nil, fmt.Errorf("xlen %s: %w", key, err)
		}
		sizes[key] = int(n)
		total += int(n)
	}
	sizes[TotalSizeKey] = total
	return sizes, nil
}

func (q *RedisQueue) Close() error { return nil }
