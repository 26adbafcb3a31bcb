package activation

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memstack/memgos/mem_scheduler/llm"
	"github.com/memstack/memgos/mem_scheduler/memcube"
	"github.com/memstack/memgos/mem_scheduler/monitors"
	"github.com/memstack/memgos/mem_scheduler/schemas"
)

type fakeActCache struct {
	items    []memcube.CacheItem
	addCalls int
}

func (c *fakeActCache) GetAll(context.Context) ([]memcube.CacheItem, error) {
	out := make([]memcube.CacheItem, len(c.items))
	copy(out, c.items)
	return out, nil
}

func (c *fakeActCache) DeleteAll(context.Context) error {
	c.items = nil
	return nil
}

func (c *fakeActCache) Extract(_ context.Context, composed string) (*memcube.CacheItem, error) {
	return &memcube.CacheItem{ID: uuid.NewString(), ComposedText: composed}, nil
}

func (c *fakeActCache) Add(_ context.Context, items []memcube.CacheItem) error {
	c.items = append(c.items, items...)
	c.addCalls++
	return nil
}

func newTestManager(t *testing.T, cache *fakeActCache) (*Manager, *monitors.GeneralMonitor, *memcube.MemCube, string) {
	t.Helper()
	prompts, err := llm.NewTemplateStore(nil)
	require.NoError(t, err)
	monitor := monitors.NewGeneralMonitor(nil, prompts, nil, time.Minute, 0, 50)
	dumpPath := filepath.Join(t.TempDir(), "act_mem.json")
	manager := NewManager(dumpPath, monitor, nil)
	cube := &memcube.MemCube{ID: "c1", ActMem: cache}
	return manager, monitor, cube, dumpPath
}

func seedWorkingSet(t *testing.T, monitor *monitors.GeneralMonitor, texts ...string) {
	t.Helper()
	var items []schemas.MemoryMonitorItem
	for i, text := range texts {
		items = append(items, schemas.MemoryMonitorItem{
			MemoryText:     text,
			Item:           schemas.MemoryItem{ID: text, Memory: text},
			MappingKey:     schemas.NormalizeTextKey(text),
			SortingScore:   float64(len(texts) - i),
			RecordingCount: 1,
		})
	}
	monitor.WorkingMonitor(context.Background(), "u1", "c1").Update(items)
}

func TestActivationRefreshIdempotentOnIdenticalWorkingSet(t *testing.T) {
	cache := &fakeActCache{}
	manager, monitor, cube, _ := newTestManager(t, cache)
	seedWorkingSet(t, monitor, "memory one text", "memory two text")
	ctx := context.Background()

	manager.UpdatePeriodically(ctx, 0, schemas.LabelQuery, "u1", "c1", cube)
	manager.UpdatePeriodically(ctx, 0, schemas.LabelQuery, "u1", "c1", cube)

	assert.Equal(t, 1, cache.addCalls, "identical composed prompt must not rewrite the cache")
	assert.Len(t, cache.items, 1)
}

func TestActivationRefreshReplacesChangedWorkingSet(t *testing.T) {
	cache := &fakeActCache{}
	manager, monitor, cube, _ := newTestManager(t, cache)
	ctx := context.Background()

	seedWorkingSet(t, monitor, "memory one text")
	manager.UpdatePeriodically(ctx, 0, schemas.LabelQuery, "u1", "c1", cube)

	seedWorkingSet(t, monitor, "memory one text", "memory two text")
	manager.UpdatePeriodically(ctx, 0, schemas.LabelQuery, "u1", "c1", cube)

	assert.Equal(t, 2, cache.addCalls)
	require.Len(t, cache.items, 1, "old cache entries are cleared before the new add")
	assert.Len(t, cache.items[0].TextMemories, 2)
}

func TestActivationSkipsEmptyWorkingSet(t *testing.T) {
	cache := &fakeActCache{}
	manager, _, cube, _ := newTestManager(t, cache)

	manager.UpdatePeriodically(context.Background(), 0, schemas.LabelQuery, "u1", "c1", cube)
	assert.Zero(t, cache.addCalls)
}

func TestActivationIntervalGuard(t *testing.T) {
	cache := &fakeActCache{}
	manager, monitor, cube, _ := newTestManager(t, cache)
	seedWorkingSet(t, monitor, "memory one text")
	ctx := context.Background()

	manager.UpdatePeriodically(ctx, time.Hour, schemas.LabelQuery, "u1", "c1", cube)
	seedWorkingSet(t, monitor, "memory changed text")
	manager.UpdatePeriodically(ctx, time.Hour, schemas.LabelQuery, "u1", "c1", cube)

	assert.Equal(t, 1, cache.addCalls, "second refresh inside the interval must be skipped")
}

func TestActivationDumpWritesVersionedSnapshot(t *testing.T) {
	cache := &fakeActCache{}
	manager, monitor, cube, dumpPath := newTestManager(t, cache)
	seedWorkingSet(t, monitor, "memory one text")

	manager.UpdatePeriodically(context.Background(), 0, schemas.LabelQuery, "u1", "c1", cube)

	data, err := os.ReadFile(dumpPath)
	require.NoError(t, err)
	var snap struct {
		Version int                 `json:"version"`
		Items   []memcube.CacheItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, 1, snap.Version)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, []string{"memory one text"}, snap.Items[0].TextMemories)
}
