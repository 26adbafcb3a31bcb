package activation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/memstack/memgos/mem_scheduler/llm"
	"github.com/memstack/memgos/mem_scheduler/logx"
	"github.com/memstack/memgos/mem_scheduler/memcube"
	"github.com/memstack/memgos/mem_scheduler/monitors"
	"github.com/memstack/memgos/mem_scheduler/observability"
	"github.com/memstack/memgos/mem_scheduler/schemas"
)

// EmitFunc publishes an activation-update web-log event.
type EmitFunc func(ctx context.Context, ev schemas.WebLogEvent)

// Manager refreshes a mem-cube's activation cache from the current working
// set. Refreshes are interval-guarded and idempotent on the composed prompt:
// two consecutive refreshes over an identical working set produce exactly one
// cache write. Errors are logged and retried on the next interval, never
// propagated to callers.
type Manager struct {
	dumpPath string
	monitor  *monitors.GeneralMonitor
	emit     EmitFunc

	mu  sync.Mutex
	log zerolog.Logger
}

// NewManager wires the activation manager. emit may be nil.
func NewManager(dumpPath string, monitor *monitors.GeneralMonitor, emit EmitFunc) *Manager {
	return &Manager{
		dumpPath: dumpPath,
		monitor:  monitor,
		emit:     emit,
		log:      logx.WithComponent("activation-manager"),
	}
}

// snapshotVersion tags the on-disk cache schema.
const snapshotVersion = 1

type snapshot struct {
	Version int               `json:"version"`
	Items   []memcube.CacheItem `json:"items"`
}

func composeText(textMemories []string) string {
	var body strings.Builder
	n := 0
	for _, sentence := range textMemories {
		s := strings.TrimSpace(sentence)
		if s == "" {
			continue
		}
		n++
		fmt.Fprintf(&body, "%d. %s\n", n, s)
	}
	return fmt.Sprintf(llm.MemoryAssemblyTemplate, body.String())
}

// UpdatePeriodically refreshes the activation cache when interval has
// elapsed since the last update.
func (m *Manager) UpdatePeriodically(ctx context.Context, interval time.Duration, label, userID, memCubeID string, cube *memcube.MemCube) {
	last := m.monitor.ActivationUpdateTime()
	if !last.IsZero() && !m.monitor.TimedTrigger(last, interval) {
		m.log.Debug().Time("last_update", last).Dur("interval", interval).
			Msg("activation interval not yet reached, skipping")
		return
	}
	wm := m.monitor.WorkingMonitor(ctx, userID, memCubeID)
	if wm.Len() == 0 {
		m.log.Warn().Str("user_id", userID).Str("mem_cube_id", memCubeID).
			Msg("no memories in working monitor, activation update skipped")
		observability.ActivationRefreshes.WithLabelValues("skipped_empty").Inc()
		return
	}
	m.monitor.SyncWorking(ctx, userID, memCubeID)
	m.Update(ctx, wm.Texts(), label, userID, memCubeID, cube)
	m.monitor.TouchActivationUpdateTime()
}

// Update extracts a cache item from the composed working-set prompt, replaces
// the old cache, and persists the snapshot to disk.
func (m *Manager) Update(ctx context.Context, textMemories []string, label, userID, memCubeID string, cube *memcube.MemCube) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(textMemories) == 0 {
		m.log.Error().Msg("activation update called with empty memories")
		return
	}
	if cube == nil || cube.ActMem == nil {
		m.log.Warn().Str("mem_cube_id", memCubeID).Msg("mem-cube has no activation cache")
		return
	}
	actMem := cube.ActMem
	composed := composeText(textMemories)

	var originalTexts []string
	existing, err := actMem.GetAll(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to read activation cache")
		observability.ActivationRefreshes.WithLabelValues("error").Inc()
		return
	}
	if len(existing) > 0 {
		prev := existing[len(existing)-1]
		originalTexts = prev.TextMemories
		if prev.ComposedText == composed {
			m.log.Warn().Str("composed", snippet(composed)).
				Msg("skipping activation update, new composition matches existing cache")
			observability.ActivationRefreshes.WithLabelValues("skipped_identical").Inc()
			return
		}
		if err := actMem.DeleteAll(ctx); err != nil {
			m.log.Error().Err(err).Msg("failed to clear activation cache")
			observability.ActivationRefreshes.WithLabelValues("error").Inc()
			return
		}
	}

	item, err := actMem.Extract(ctx, composed)
	if err != nil {
		m.log.Error().Err(err).Msg("activation cache extract failed")
		observability.ActivationRefreshes.WithLabelValues("error").Inc()
		return
	}
	item.TextMemories = textMemories
	item.Timestamp = time.Now().UTC()

	if err := actMem.Add(ctx, []memcube.CacheItem{*item}); err != nil {
		m.log.Error().Err(err).Msg("failed to add activation cache item")
		observability.ActivationRefreshes.WithLabelValues("error").Inc()
		return
	}
	if err := m.dump(ctx, actMem); err != nil {
		m.log.Error().Err(err).Str("path", m.dumpPath).Msg("failed to dump activation cache")
	}
	observability.ActivationRefreshes.WithLabelValues("refreshed").Inc()

	if m.emit != nil {
		m.emit(ctx, schemas.WebLogEvent{
			Label:          "activationMemoryUpdate",
			FromMemoryType: string(schemas.WorkingMemory),
			ToMemoryType:   "ActivationMemory",
			UserID:         userID,
			MemCubeID:      memCubeID,
			LogContent: fmt.Sprintf("Activation memory refreshed from %d working memories (label %s, was %d)",
				len(textMemories), label, len(originalTexts)),
			MemoryLen: len(textMemories),
		})
	}
}

// dump writes the cache snapshot atomically: temp file in the target
// directory, then rename.
func (m *Manager) dump(ctx context.Context, actMem memcube.ActivationCache) error {
	items, err := actMem.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("read cache for dump: %w", err)
	}
	data, err := json.MarshalIndent(snapshot{Version: snapshotVersion, Items: items}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache snapshot: %w", err)
	}
	dir := filepath.Dir(m.dumpPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure dump dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".act_mem_*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, m.dumpPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func snippet(s string) string {
	if len(s) > 50 {
		return s[:50] + "..."
	}
	return s
}
