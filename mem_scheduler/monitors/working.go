package monitors

import (
	"sort"
	"sync"

	"github.com/memstack/memgos/mem_scheduler/schemas"
)

// WorkingMemoryMonitor mirrors one (user, cube) working set. Entries are
// unique by mapping key: duplicate texts collapse, keyword scores accumulate
// across replacements, and sorting scores always reflect the last rerank.
type WorkingMemoryMonitor struct {
	mu      sync.Mutex
	entries map[string]*schemas.MemoryMonitorItem
	order   []string // mapping keys of the current working set, rerank order
}

func NewWorkingMemoryMonitor() *WorkingMemoryMonitor {
	return &WorkingMemoryMonitor{entries: make(map[string]*schemas.MemoryMonitorItem)}
}

// Update replaces the tracked working set with the given monitors. Keys seen
// before keep their accumulated keywords score and recording count; keys
// absent from the new set are evicted.
func (w *WorkingMemoryMonitor) Update(newMonitors []schemas.MemoryMonitorItem) {
	w.mu.Lock()
	defer w.mu.Unlock()

	next := make(map[string]*schemas.MemoryMonitorItem, len(newMonitors))
	order := make([]string, 0, len(newMonitors))
	for _, monitor := range newMonitors {
		m := monitor
		if existing, ok := next[m.MappingKey]; ok {
			// Duplicate text inside one batch collapses onto the first entry.
			existing.RecordingCount++
			continue
		}
		if prev, ok := w.entries[m.MappingKey]; ok {
			m.KeywordsScore += prev.KeywordsScore
			m.RecordingCount = prev.RecordingCount + 1
		}
		next[m.MappingKey] = &m
		order = append(order, m.MappingKey)
	}
	w.entries = next
	w.order = order
}

// SortedMonitors returns the tracked entries ordered by the sum of sorting
// score and keywords score (descending when reverse), stable with respect to the last update order so
// a zeroed rerank falls back to keyword-score ordering deterministically.
func (w *WorkingMemoryMonitor) SortedMonitors(reverse bool) []schemas.MemoryMonitorItem {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]schemas.MemoryMonitorItem, 0, len(w.order))
	for _, key := range w.order {
		if entry, ok := w.entries[key]; ok {
			out = append(out, *entry)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		si := out[i].SortingScore + out[i].KeywordsScore
		sj := out[j].SortingScore + out[j].KeywordsScore
		if reverse {
			return si > sj
		}
		return si < sj
	})
	return out
}

// Texts returns the tracked memory texts in current order.
func (w *WorkingMemoryMonitor) Texts() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.order))
	for _, key := range w.order {
		if entry, ok := w.entries[key]; ok {
			out = append(out, entry.MemoryText)
		}
	}
	return out
}

// Len returns the tracked entry count.
func (w *WorkingMemoryMonitor) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Snapshot copies the entries in order for persistence.
func (w *WorkingMemoryMonitor) Snapshot() []schemas.MemoryMonitorItem {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]schemas.MemoryMonitorItem, 0, len(w.order))
	for _, key := range w.order {
		if entry, ok := w.entries[key]; ok {
			out = append(out, *entry)
		}
	}
	return out
}

// Restore replaces the tracked set from persisted state.
func (w *WorkingMemoryMonitor) Restore(items []schemas.MemoryMonitorItem) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = make(map[string]*schemas.MemoryMonitorItem, len(items))
	w.order = w.order[:0]
	for _, item := range items {
		m := item
		if _, ok := w.entries[m.MappingKey]; ok {
			continue
		}
		w.entries[m.MappingKey] = &m
		w.order = append(w.order, m.MappingKey)
	}
}
