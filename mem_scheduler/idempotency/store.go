package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/memstack/memgos/mem_scheduler/logx"
)

const keyPrefix = "memgos:idempotency:"

// Store answers "have we already handled this item_id?". Backed by Redis
// SET NX when a shared log is available, otherwise a per-process map. Duplicate
// deliveries after a crash are expected under the at-least-once contract;
// this store is how handlers stay idempotent across them.
type Store struct {
	client *redis.Client
	ttl    time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewStore creates a store. client may be nil for in-memory mode.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{
		client: client,
		ttl:    ttl,
		seen:   make(map[string]time.Time),
	}
}

// FirstDelivery atomically records key and reports whether this is its first
// observation. Redis errors fall back to the in-memory map so processing
// never blocks on the shared log.
func (s *Store) FirstDelivery(ctx context.Context, key string) bool {
	if s.client != nil {
		ok, err := s.client.SetNX(ctx, keyPrefix+key, "1", s.ttl).Result()
		if err == nil {
			return ok
		}
		log := logx.WithComponent("idempotency")
		log.Warn().Err(err).Str("key", key).
			Msg("shared-log idempotency check failed, using in-memory record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if at, ok := s.seen[key]; ok && now.Sub(at) < s.ttl {
		return false
	}
	s.seen[key] = now
	// Opportunistic cleanup keeps the fallback map bounded.
	if len(s.seen) > 100_000 {
		for k, at := range s.seen {
			if now.Sub(at) >= s.ttl {
				delete(s.seen, k)
			}
		}
	}
	return true
}
