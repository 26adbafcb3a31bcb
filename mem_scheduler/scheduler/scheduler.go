package scheduler

import (
	"context"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/memstack/memgos/mem_scheduler/config"
	"github.com/memstack/memgos/mem_scheduler/logx"
	"github.com/memstack/memgos/mem_scheduler/observability"
	"github.com/memstack/memgos/mem_scheduler/queue"
	"github.com/memstack/memgos/mem_scheduler/ratelimit"
	"github.com/memstack/memgos/mem_scheduler/schemas"
	"github.com/memstack/memgos/mem_scheduler/status"
)

const monitorInterval = 15 * time.Second

// Scheduler is the shell tying admission, queueing, dispatch and the
// background loops together. submit is best-effort: downstream failures are
// logged and never raised to the caller.
type Scheduler struct {
	cfg          config.Config
	queue        queue.TaskQueue
	dispatcher   *Dispatcher
	orchestrator *Orchestrator
	tracker      *status.Tracker
	limiter      *ratelimit.SlidingWindow
	disabled     map[string]bool

	running      atomic.Bool
	stopCh       chan struct{}
	consumerDone chan struct{}
	monitorDone  chan struct{}

	log zerolog.Logger
}

// New assembles a scheduler. limiter may be nil.
func New(cfg config.Config, q queue.TaskQueue, tracker *status.Tracker, limiter *ratelimit.SlidingWindow) *Scheduler {
	disabled := make(map[string]bool, len(cfg.DisabledHandlers))
	for _, label := range cfg.DisabledHandlers {
		disabled[label] = true
	}
	s := &Scheduler{
		cfg:          cfg,
		queue:        q,
		dispatcher:   NewDispatcher(cfg.ThreadPoolMaxWorkers, cfg.EnableParallelDisp, tracker),
		orchestrator: NewOrchestrator(),
		tracker:      tracker,
		limiter:      limiter,
		disabled:     disabled,
		log:          logx.WithComponent("scheduler"),
	}
	s.dispatcher.SetOnDone(func(msgs []schemas.Message, _ error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.queue.Ack(ctx, msgs); err != nil {
			s.log.Warn().Err(err).Int("messages", len(msgs)).Msg("failed to ack handled messages")
		}
	})
	return s
}

// Dispatcher exposes the worker pool for introspection.
func (s *Scheduler) Dispatcher() *Dispatcher { return s.dispatcher }

// Orchestrator exposes the priority policy.
func (s *Scheduler) Orchestrator() *Orchestrator { return s.orchestrator }

// RegisterHandlers binds handlers and applies their priority overrides.
func (s *Scheduler) RegisterHandlers(regs map[string]Registration) {
	for label, reg := range regs {
		if reg.Priority != 0 {
			s.orchestrator.SetPriority(label, reg.Priority)
		}
		s.dispatcher.Register(label, reg)
	}
}

// SubmitMessages admits a batch. Priority-1 labels execute inline before the
// call returns, so their log events precede any derived queued work; the
// rest are queued per stream key.
func (s *Scheduler) SubmitMessages(ctx context.Context, msgs []schemas.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	var immediate, queued []schemas.Message
	for _, msg := range msgs {
		if msg.ItemID == "" {
			msg.ItemID = uuid.NewString()
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}
		observability.TasksEnqueued.WithLabelValues(msg.UserID, msg.Label).Inc()

		if s.tracker != nil {
			s.tracker.TaskSubmitted(ctx, msg.ItemID, msg.UserID, msg.Label, msg.MemCubeID, msg.TaskID)
		}
		if s.disabled[msg.Label] {
			s.log.Info().Str("label", msg.Label).Str("item_id", msg.ItemID).
				Msg("skipping disabled handler")
			continue
		}
		if s.limiter != nil {
			if allowed, _ := s.limiter.Allow(ctx, msg.UserID); !allowed {
				s.log.Warn().Str("user_id", msg.UserID).Str("label", msg.Label).
					Msg("submission over rate limit window")
			}
		}

		if s.orchestrator.Priority(msg.Label) == schemas.PriorityLevel1 {
			immediate = append(immediate, msg)
		} else {
			queued = append(queued, msg)
		}
	}

	for key, batch := range schemas.GroupByUserCubeLabel(immediate) {
		for i := range batch {
			s.markDequeued(&batch[i])
		}
		s.dispatcher.ExecuteInline(ctx, key, batch)
	}

	if len(queued) > 0 {
		if err := s.queue.Submit(ctx, queued); err != nil {
			s.log.Error().Err(err).Int("messages", len(queued)).
				Msg("failed to enqueue messages")
		}
	}
	return nil
}

// markDequeued stamps dequeue telemetry on a message.
func (s *Scheduler) markDequeued(msg *schemas.Message) {
	now := time.Now().UTC()
	msg.DequeueTS = now
	wait := now.Sub(msg.Timestamp)
	if wait < 0 {
		wait = 0
	}
	msg.QueueWaitMS = float64(wait) / float64(time.Millisecond)
	observability.QueueWaitSeconds.Observe(wait.Seconds())
	observability.TasksDequeued.WithLabelValues(msg.UserID, msg.Label).Inc()
}

// Start launches the consumer and the metrics monitor loop.
func (s *Scheduler) Start() {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Warn().Msg("scheduler consumer is already running")
		return
	}
	s.stopCh = make(chan struct{})
	s.consumerDone = make(chan struct{})
	s.monitorDone = make(chan struct{})

	if s.cfg.EnableParallelDisp {
		s.log.Info().Int("workers", s.cfg.ThreadPoolMaxWorkers).
			Msg("initializing dispatcher worker pool")
	}

	switch s.cfg.ConsumerMode {
	case config.ConsumerIsolated:
		go func() {
			// Pin the pull path to its own OS thread so CPU-bound handler
			// work cannot starve queue consumption.
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			s.consumeLoop()
		}()
	default:
		go s.consumeLoop()
	}
	go s.monitorLoop()
	s.log.Info().Str("mode", string(s.cfg.ConsumerMode)).Msg("scheduler consumer started")
}

func (s *Scheduler) consumeLoop() {
	defer close(s.consumerDone)
	ctx := context.Background()
	for s.running.Load() {
		if s.dispatcher.RunningTaskCount() >= s.dispatcher.MaxWorkers() {
			s.sleep(s.cfg.ConsumeInterval)
			continue
		}

		msgs, err := s.queue.Get(ctx, s.cfg.ConsumeBatch)
		if err != nil {
			if err != queue.ErrQueueClosed {
				s.log.Error().Err(err).Msg("unexpected error in message consumer")
			}
			s.sleep(s.cfg.ConsumeInterval)
			continue
		}
		if len(msgs) > 0 {
			for i := range msgs {
				s.markDequeued(&msgs[i])
			}
			s.dispatcher.Dispatch(ctx, msgs)
		}
		s.sleep(s.cfg.ConsumeInterval)
	}
}

// monitorLoop samples queue depths into metrics every 15 seconds.
func (s *Scheduler) monitorLoop() {
	defer close(s.monitorDone)
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			sizes, err := s.queue.Sizes(ctx)
			if err != nil {
				s.log.Error().Err(err).Msg("error in metrics monitor loop")
				continue
			}
			perUser := make(map[string]int)
			for streamKey, depth := range sizes {
				if streamKey == queue.TotalSizeKey {
					continue
				}
				parts := strings.SplitN(streamKey, ":", 2)
				perUser[parts[0]] += depth
			}
			for userID, depth := range perUser {
				observability.QueueLength.WithLabelValues(userID).Set(float64(depth))
			}
		}
	}
}

func (s *Scheduler) sleep(d time.Duration) {
	select {
	case <-s.stopCh:
	case <-time.After(d):
	}
}

// Stop halts the consumer and monitor loops and drains the worker pool.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		s.log.Warn().Msg("scheduler is not running")
		return
	}
	close(s.stopCh)

	for _, done := range []chan struct{}{s.consumerDone, s.monitorDone} {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.log.Warn().Msg("background loop did not stop gracefully")
		}
	}

	s.log.Info().Msg("shutting down dispatcher")
	s.dispatcher.Shutdown(10 * time.Second)
}

// GatherQueueStats snapshots queue and pool occupancy for dashboards.
func (s *Scheduler) GatherQueueStats(ctx context.Context) map[string]any {
	stats := make(map[string]any)
	sizes, err := s.queue.Sizes(ctx)
	if err != nil {
		stats["qsize"] = -1
	} else {
		stats["qsize"] = sizes[queue.TotalSizeKey]
		stats["streams"] = len(sizes) - 1
	}
	stats["maxsize"] = s.cfg.MaxInternalQueueSize
	if s.cfg.MaxInternalQueueSize > 0 {
		if q, ok := stats["qsize"].(int); ok && q >= 0 {
			util := float64(q) / float64(s.cfg.MaxInternalQueueSize)
			if util > 1 {
				util = 1
			}
			stats["utilization"] = util
		}
	}
	for k, v := range s.dispatcher.Stats() {
		stats[k] = v
	}
	return stats
}
