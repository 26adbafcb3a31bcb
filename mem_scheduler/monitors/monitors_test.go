package monitors

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memstack/memgos/mem_scheduler/llm"
	"github.com/memstack/memgos/mem_scheduler/schemas"
)

func TestQueryMonitorBoundedFIFO(t *testing.T) {
	qm := NewQueryMonitor(3)
	for i := 0; i < 5; i++ {
		qm.Put(schemas.QueryMonitorItem{
			QueryText: fmt.Sprintf("query-%d", i),
			Keywords:  []string{fmt.Sprintf("kw-%d", i)},
			Timestamp: time.Now().Add(time.Duration(i) * time.Second),
		})
	}
	assert.Equal(t, 3, qm.Len())

	queries := qm.QueriesWithTimesort()
	assert.Equal(t, []string{"query-4", "query-3", "query-2"}, queries)

	freqs := qm.KeywordsCollections()
	assert.NotContains(t, freqs, "kw-0")
	assert.Equal(t, 1, freqs["kw-4"])
}

func TestQueryMonitorKeywordFrequencies(t *testing.T) {
	qm := NewQueryMonitor(10)
	qm.Put(schemas.QueryMonitorItem{QueryText: "a", Keywords: []string{"fruit", "apple"}, Timestamp: time.Now()})
	qm.Put(schemas.QueryMonitorItem{QueryText: "b", Keywords: []string{"fruit"}, Timestamp: time.Now()})

	freqs := qm.KeywordsCollections()
	assert.Equal(t, 2, freqs["fruit"])
	assert.Equal(t, 1, freqs["apple"])
}

func monitorItem(text string, sorting, keywords float64) schemas.MemoryMonitorItem {
	return schemas.MemoryMonitorItem{
		MemoryText:     text,
		Item:           schemas.MemoryItem{ID: text, Memory: text},
		MappingKey:     schemas.NormalizeTextKey(text),
		SortingScore:   sorting,
		KeywordsScore:  keywords,
		RecordingCount: 1,
	}
}

func TestWorkingMonitorMappingKeyUnique(t *testing.T) {
	wm := NewWorkingMemoryMonitor()
	wm.Update([]schemas.MemoryMonitorItem{
		monitorItem("The same TEXT", 2, 0),
		monitorItem("the same text!", 1, 0),
		monitorItem("a different text", 1, 0),
	})
	assert.Equal(t, 2, wm.Len())
}

func TestWorkingMonitorAccumulatesKeywordScore(t *testing.T) {
	wm := NewWorkingMemoryMonitor()
	wm.Update([]schemas.MemoryMonitorItem{monitorItem("persistent memory text", 1, 2)})
	wm.Update([]schemas.MemoryMonitorItem{monitorItem("persistent memory text", 3, 1)})

	sorted := wm.SortedMonitors(true)
	require.Len(t, sorted, 1)
	assert.Equal(t, 3.0, sorted[0].SortingScore, "sorting score reflects last rerank")
	assert.Equal(t, 3.0, sorted[0].KeywordsScore, "keywords score accumulates")
	assert.Equal(t, 2, sorted[0].RecordingCount)
}

func TestWorkingMonitorEvictsAbsentKeys(t *testing.T) {
	wm := NewWorkingMemoryMonitor()
	wm.Update([]schemas.MemoryMonitorItem{
		monitorItem("first entry text", 2, 0),
		monitorItem("second entry text", 1, 0),
	})
	wm.Update([]schemas.MemoryMonitorItem{monitorItem("second entry text", 1, 0)})

	assert.Equal(t, 1, wm.Len())
	assert.Equal(t, []string{"second entry text"}, wm.Texts())
}

func TestWorkingMonitorSortOrder(t *testing.T) {
	wm := NewWorkingMemoryMonitor()
	wm.Update([]schemas.MemoryMonitorItem{
		monitorItem("low score entry", 1, 0),
		monitorItem("high score entry", 5, 0),
		monitorItem("mid score entry", 3, 1),
	})
	sorted := wm.SortedMonitors(true)
	assert.Equal(t, "high score entry", sorted[0].MemoryText)
	assert.Equal(t, "mid score entry", sorted[1].MemoryText)
	assert.Equal(t, "low score entry", sorted[2].MemoryText)
}

func TestTimedTrigger(t *testing.T) {
	m := newTestMonitor(t, nil)
	assert.True(t, m.TimedTrigger(time.Time{}, time.Hour), "zero last time always triggers")
	assert.True(t, m.TimedTrigger(time.Now().Add(-2*time.Hour), time.Hour))
	assert.False(t, m.TimedTrigger(time.Now(), time.Hour))
}

func TestMonitorStateSurvivesRestart(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	m := newTestMonitor(t, store)
	qm := m.QueryMonitor(ctx, "u1", "c1")
	qm.Put(schemas.QueryMonitorItem{QueryText: "persisted query", Keywords: []string{"kw"}, Timestamp: time.Now()})
	m.SyncQueries(ctx, "u1", "c1")

	// A fresh monitor over the same store restores the history.
	m2 := newTestMonitor(t, store)
	qm2 := m2.QueryMonitor(ctx, "u1", "c1")
	assert.Equal(t, []string{"persisted query"}, qm2.QueriesWithTimesort())
}

func newTestMonitor(t *testing.T, store Store) *GeneralMonitor {
	t.Helper()
	prompts, err := llm.NewTemplateStore(nil)
	require.NoError(t, err)
	return NewGeneralMonitor(nil, prompts, store, time.Minute, time.Minute, 50)
}
