package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/memstack/memgos/mem_scheduler/logx"
	"github.com/memstack/memgos/mem_scheduler/observability"
)

// SlidingWindow enforces N requests per window using a Redis sorted set.
// Without a Redis client it falls back to a per-process in-memory window.
type SlidingWindow struct {
	client *redis.Client
	limit  int
	window time.Duration

	mu  sync.Mutex
	mem map[string][]time.Time
}

// NewSlidingWindow creates a limiter. client may be nil for in-memory mode.
func NewSlidingWindow(client *redis.Client, limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		client: client,
		limit:  limit,
		window: window,
		mem:    make(map[string][]time.Time),
	}
}

// Allow reports whether the request identified by key is inside the limit,
// along with the remaining budget. Redis failures fall back to the in-memory
// window rather than rejecting traffic.
func (l *SlidingWindow) Allow(ctx context.Context, key string) (bool, int) {
	if l.client != nil {
		allowed, remaining, err := l.allowRedis(ctx, key)
		if err == nil {
			if !allowed {
				observability.RateLimited.WithLabelValues(key).Inc()
			}
			return allowed, remaining
		}
		log := logx.WithComponent("ratelimit")
		log.Warn().Err(err).Str("key", key).
			Msg("shared-log rate limit check failed, using in-memory window")
	}
	allowed, remaining := l.allowMemory(key)
	if !allowed {
		observability.RateLimited.WithLabelValues(key).Inc()
	}
	return allowed, remaining
}

func (l *SlidingWindow) allowRedis(ctx context.Context, key string) (bool, int, error) {
	now := time.Now()
	windowStart := now.Add(-l.window)
	rkey := "memgos:ratelimit:" + key

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, rkey)
	pipe.ZAdd(ctx, rkey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: strconv.FormatInt(now.UnixNano(), 10),
	})
	pipe.Expire(ctx, rkey, l.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, err
	}

	current := int(countCmd.Val())
	if current >= l.limit {
		return false, 0, nil
	}
	return true, l.limit - current - 1, nil
}

func (l *SlidingWindow) allowMemory(key string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	windowStart := now.Add(-l.window)

	kept := l.mem[key][:0]
	for _, t := range l.mem[key] {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}
	l.mem[key] = kept

	if len(kept) >= l.limit {
		return false, 0
	}
	l.mem[key] = append(kept, now)
	return true, l.limit - len(kept) - 1
}

// TokenBucket maintains one token bucket per key. The scheduler does not
// consult it: neither submit nor dispatch is paced by these buckets.
type TokenBucket struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

// NewTokenBucket creates a per-key limiter with rate r tokens/second and
// burst b.
func NewTokenBucket(r float64, b int) *TokenBucket {
	return &TokenBucket{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

func (l *TokenBucket) limiter(key string) *rate.Limiter {
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = lim
	}
	return lim
}

// Allow consumes one token for key if available.
func (l *TokenBucket) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limiter(key).Allow()
}

// Reserve checks permission and returns the wait required when throttled.
// The reservation is cancelled so the check has no side effect on refusal.
func (l *TokenBucket) Reserve(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.limiter(key).Reserve()
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}
