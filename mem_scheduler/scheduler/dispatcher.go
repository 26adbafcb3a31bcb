package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/memstack/memgos/mem_scheduler/logx"
	"github.com/memstack/memgos/mem_scheduler/observability"
	"github.com/memstack/memgos/mem_scheduler/schemas"
	"github.com/memstack/memgos/mem_scheduler/status"
)

// HandlerFunc processes one (user, cube, label) group of messages. Partial
// failures are handled inside; a returned error marks the group's tasks
// failed without affecting other groups.
type HandlerFunc func(ctx context.Context, msgs []schemas.Message) error

// Registration binds a handler to a label with optional priority override
// and execution TTL. Zero TTL means unbounded.
type Registration struct {
	Fn       HandlerFunc
	Priority schemas.TaskPriority
	TTL      time.Duration
}

// TaskItem is the dispatcher's view of one in-flight handler invocation.
type TaskItem struct {
	ID           string
	UserID       string
	MemCubeID    string
	TaskName     string
	StartTime    time.Time
	EndTime      time.Time
	Status       string
	ErrorMessage string
	Messages     int
}

// DoneFunc observes group completion; the scheduler uses it to acknowledge
// queue entries.
type DoneFunc func(msgs []schemas.Message, err error)

// Dispatcher owns the worker pool. Batches are grouped by (user, cube,
// label); one handler invocation per group amortizes LLM calls and keeps
// per-user ordering natural. Worker exceptions are caught and logged; they
// never kill the worker pool.
type Dispatcher struct {
	maxWorkers int
	parallel   bool
	sem        chan struct{}
	tracker    *status.Tracker

	mu       sync.RWMutex
	handlers map[string]Registration
	running  map[string]*TaskItem

	inflight atomic.Int64
	wg       sync.WaitGroup
	onDone   DoneFunc
	log      zerolog.Logger
}

// NewDispatcher creates a dispatcher with a pool of maxWorkers. When
// parallel is false every group executes on the caller's goroutine.
func NewDispatcher(maxWorkers int, parallel bool, tracker *status.Tracker) *Dispatcher {
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	return &Dispatcher{
		maxWorkers: maxWorkers,
		parallel:   parallel,
		sem:        make(chan struct{}, maxWorkers),
		tracker:    tracker,
		handlers:   make(map[string]Registration),
		running:    make(map[string]*TaskItem),
		log:        logx.WithComponent("dispatcher"),
	}
}

// SetOnDone installs the group-completion callback.
func (d *Dispatcher) SetOnDone(fn DoneFunc) { d.onDone = fn }

// Register binds a handler to a label.
func (d *Dispatcher) Register(label string, reg Registration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[label] = reg
}

// RegisterHandlers binds a map of label registrations.
func (d *Dispatcher) RegisterHandlers(regs map[string]Registration) {
	for label, reg := range regs {
		d.Register(label, reg)
	}
}

// Unregister removes handlers, reporting which labels were bound.
func (d *Dispatcher) Unregister(labels []string) map[string]bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]bool, len(labels))
	for _, label := range labels {
		_, ok := d.handlers[label]
		delete(d.handlers, label)
		out[label] = ok
	}
	return out
}

// Handler returns the registration for a label and whether one exists.
func (d *Dispatcher) Handler(label string) (Registration, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	reg, ok := d.handlers[label]
	return reg, ok
}

// defaultHandler logs and discards messages with no registered handler.
func (d *Dispatcher) defaultHandler(_ context.Context, msgs []schemas.Message) error {
	for _, msg := range msgs {
		d.log.Warn().Str("label", msg.Label).Str("item_id", msg.ItemID).
			Msg("no handler registered, message discarded")
	}
	return nil
}

// Dispatch groups a batch and submits each group to the pool.
func (d *Dispatcher) Dispatch(ctx context.Context, msgs []schemas.Message) {
	for key, batch := range schemas.GroupByUserCubeLabel(msgs) {
		d.submitGroup(ctx, key, batch, d.parallel)
	}
}

// ExecuteInline runs a group synchronously on the caller's goroutine,
// used for the priority-1 bypass path.
func (d *Dispatcher) ExecuteInline(ctx context.Context, key schemas.GroupKey, batch []schemas.Message) {
	d.submitGroup(ctx, key, batch, false)
}

func (d *Dispatcher) submitGroup(ctx context.Context, key schemas.GroupKey, batch []schemas.Message, async bool) {
	if len(batch) == 0 {
		return
	}
	reg, ok := d.Handler(key.Label)
	if !ok {
		reg = Registration{Fn: d.defaultHandler}
	}
	if async {
		d.sem <- struct{}{}
		d.wg.Add(1)
		go func() {
			defer func() {
				<-d.sem
				d.wg.Done()
			}()
			d.runGroup(ctx, key, batch, reg)
		}()
		return
	}
	d.runGroup(ctx, key, batch, reg)
}

func (d *Dispatcher) runGroup(ctx context.Context, key schemas.GroupKey, batch []schemas.Message, reg Registration) {
	taskID := uuid.NewString()
	item := &TaskItem{
		ID:        taskID,
		UserID:    key.UserID,
		MemCubeID: key.MemCubeID,
		TaskName:  key.Label,
		StartTime: time.Now(),
		Status:    "running",
		Messages:  len(batch),
	}
	d.mu.Lock()
	d.running[taskID] = item
	d.mu.Unlock()
	d.inflight.Add(1)
	observability.DispatcherSaturation.Set(float64(d.inflight.Load()) / float64(d.maxWorkers))

	for _, msg := range batch {
		if d.tracker != nil {
			d.tracker.TaskRunning(ctx, msg.ItemID)
		}
	}

	start := time.Now()
	err := d.invoke(ctx, key.Label, reg, batch)
	observability.HandlerDuration.WithLabelValues(key.Label).Observe(time.Since(start).Seconds())

	d.mu.Lock()
	item.EndTime = time.Now()
	if err != nil {
		item.Status = "failed"
		item.ErrorMessage = err.Error()
	} else {
		item.Status = "done"
	}
	delete(d.running, taskID)
	d.mu.Unlock()
	d.inflight.Add(-1)
	observability.DispatcherSaturation.Set(float64(d.inflight.Load()) / float64(d.maxWorkers))

	for _, msg := range batch {
		if d.tracker != nil {
			if err != nil {
				d.tracker.TaskFailed(ctx, msg.ItemID, err.Error())
			} else {
				d.tracker.TaskSucceeded(ctx, msg.ItemID)
			}
		}
	}
	if err != nil {
		observability.HandlerFailures.WithLabelValues(key.Label, "error").Inc()
		d.log.Error().Err(err).Str("label", key.Label).Str("user_id", key.UserID).
			Int("messages", len(batch)).Msg("handler group failed")
	}
	if d.onDone != nil {
		d.onDone(batch, err)
	}
}

// invoke runs the handler with panic recovery and TTL enforcement. On TTL
// expiry the group is marked failed with "timeout" and the worker slot is
// released; the abandoned handler keeps its context cancelled so blocking
// collaborator calls unwind.
func (d *Dispatcher) invoke(ctx context.Context, label string, reg Registration, batch []schemas.Message) error {
	runCtx := ctx
	var cancel context.CancelFunc
	if reg.TTL > 0 {
		runCtx, cancel = context.WithTimeout(ctx, reg.TTL)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				observability.HandlerFailures.WithLabelValues(label, "panic").Inc()
				d.log.Error().Interface("panic", r).Str("label", label).
					Msg("handler panicked")
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- reg.Fn(runCtx, batch)
	}()

	if reg.TTL > 0 {
		select {
		case err := <-done:
			return err
		case <-runCtx.Done():
			observability.HandlerTimeouts.WithLabelValues(label).Inc()
			return fmt.Errorf("timeout after %s", reg.TTL)
		}
	}
	return <-done
}

// RunningTaskCount returns the number of in-flight handler invocations.
func (d *Dispatcher) RunningTaskCount() int {
	return int(d.inflight.Load())
}

// MaxWorkers returns the pool size.
func (d *Dispatcher) MaxWorkers() int { return d.maxWorkers }

// GetRunningTasks snapshots in-flight tasks, optionally filtered.
func (d *Dispatcher) GetRunningTasks(filter func(*TaskItem) bool) map[string]TaskItem {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]TaskItem, len(d.running))
	for id, item := range d.running {
		if filter != nil && !filter(item) {
			continue
		}
		out[id] = *item
	}
	return out
}

// Stats reports pool occupancy for dashboards.
func (d *Dispatcher) Stats() map[string]int {
	d.mu.RLock()
	handlers := len(d.handlers)
	running := len(d.running)
	d.mu.RUnlock()
	return map[string]int{
		"running":  running,
		"inflight": int(d.inflight.Load()),
		"handlers": handlers,
	}
}

// Shutdown waits for in-flight groups up to the timeout. Pending in-process
// messages may be dropped per the at-least-once contract.
func (d *Dispatcher) Shutdown(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		d.log.Warn().Int("inflight", d.RunningTaskCount()).
			Msg("dispatcher shutdown timed out with tasks in flight")
	}
}
