package monitors

import (
	"sort"
	"sync"

	"github.com/memstack/memgos/mem_scheduler/schemas"
)

// QueryMonitor is a bounded FIFO of observed queries for one (user, cube),
// plus the keyword frequency view the working-memory scorer consumes.
type QueryMonitor struct {
	mu    sync.Mutex
	items []schemas.QueryMonitorItem
	max   int
}

// NewQueryMonitor creates a monitor holding at most max queries.
func NewQueryMonitor(max int) *QueryMonitor {
	if max <= 0 {
		max = 100
	}
	return &QueryMonitor{max: max}
}

// Put appends a query, evicting the oldest entry when full.
func (q *QueryMonitor) Put(item schemas.QueryMonitorItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	if len(q.items) > q.max {
		q.items = q.items[len(q.items)-q.max:]
	}
}

// QueriesWithTimesort returns query texts most-recent first.
func (q *QueryMonitor) QueriesWithTimesort() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	sorted := make([]schemas.QueryMonitorItem, len(q.items))
	copy(sorted, q.items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})
	out := make([]string, len(sorted))
	for i, item := range sorted {
		out[i] = item.QueryText
	}
	return out
}

// KeywordsCollections returns keyword frequencies across the query history.
func (q *QueryMonitor) KeywordsCollections() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	freqs := make(map[string]int)
	for _, item := range q.items {
		for _, kw := range item.Keywords {
			freqs[kw]++
		}
	}
	return freqs
}

// Snapshot copies the current history for persistence.
func (q *QueryMonitor) Snapshot() []schemas.QueryMonitorItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]schemas.QueryMonitorItem, len(q.items))
	copy(out, q.items)
	return out
}

// Restore replaces the history from persisted state.
func (q *QueryMonitor) Restore(items []schemas.QueryMonitorItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(items) > q.max {
		items = items[len(items)-q.max:]
	}
	q.items = append(q.items[:0], items...)
}

// Len returns the number of recorded queries.
func (q *QueryMonitor) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
