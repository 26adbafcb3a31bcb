package handlers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/memstack/memgos/mem_scheduler/llm"
	"github.com/memstack/memgos/mem_scheduler/memcube"
	"github.com/memstack/memgos/mem_scheduler/monitors"
	"github.com/memstack/memgos/mem_scheduler/postprocess"
	"github.com/memstack/memgos/mem_scheduler/schemas"
	"github.com/memstack/memgos/mem_scheduler/searchsvc"
	"github.com/memstack/memgos/mem_scheduler/weblog"
)

// scriptedLLM returns canned responses in order, sticking on the last one.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []string
	i         int
}

func (s *scriptedLLM) Generate(context.Context, []schemas.ChatMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) == 0 {
		return "", nil
	}
	idx := s.i
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.i++
	return s.responses[idx], nil
}

// fakeTextMemory is an in-memory TextMemory double.
type fakeTextMemory struct {
	mu            sync.Mutex
	store         map[string]schemas.MemoryItem
	working       []schemas.MemoryItem
	searchResults []schemas.MemoryItem
	added         [][]schemas.MemoryItem
	deleted       [][]string
	refreshCalls  int
}

func newFakeTextMemory() *fakeTextMemory {
	return &fakeTextMemory{store: make(map[string]schemas.MemoryItem)}
}

func (f *fakeTextMemory) Search(_ context.Context, req memcube.SearchRequest) ([]schemas.MemoryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Results are parked on the long-term lane only, so the two-lane merge
	// does not duplicate them.
	if req.MemoryType != schemas.LongTermMemory {
		return nil, nil
	}
	out := f.searchResults
	if req.TopK > 0 && len(out) > req.TopK {
		out = out[:req.TopK]
	}
	return out, nil
}

func (f *fakeTextMemory) Get(_ context.Context, id, _ string) (*schemas.MemoryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.store[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (f *fakeTextMemory) Add(_ context.Context, items []schemas.MemoryItem, _ string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, items)
	ids := make([]string, len(items))
	for i, item := range items {
		f.store[item.ID] = item
		ids[i] = item.ID
	}
	return ids, nil
}

func (f *fakeTextMemory) Delete(_ context.Context, ids []string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ids)
	for _, id := range ids {
		delete(f.store, id)
	}
	return nil
}

func (f *fakeTextMemory) GetWorkingMemory(context.Context, string) ([]schemas.MemoryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]schemas.MemoryItem, len(f.working))
	copy(out, f.working)
	return out, nil
}

func (f *fakeTextMemory) ReplaceWorkingMemory(_ context.Context, items []schemas.MemoryItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.working = items
	return nil
}

func (f *fakeTextMemory) AddRawFileNodes(context.Context, []schemas.MemoryItem, []string, string, string) error {
	return nil
}

func (f *fakeTextMemory) RemoveAndRefresh(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	return nil
}

// fakeGraph serves metadata lookups from a fixed table.
type fakeGraph struct {
	mu         sync.Mutex
	byKeyType  map[string][]string // "key|memory_type" -> node ids
	edges      map[string][]memcube.Edge
	updates    map[string]map[string]any
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		byKeyType: make(map[string][]string),
		edges:     make(map[string][]memcube.Edge),
		updates:   make(map[string]map[string]any),
	}
}

func (g *fakeGraph) GetByMetadata(_ context.Context, filters []memcube.MetadataFilter) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var key, memType string
	for _, f := range filters {
		switch f.Field {
		case "key":
			key, _ = f.Value.(string)
		case "memory_type":
			memType, _ = f.Value.(string)
		}
	}
	return g.byKeyType[key+"|"+memType], nil
}

func (g *fakeGraph) GetEdges(_ context.Context, id, edgeType, _ string) ([]memcube.Edge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []memcube.Edge
	for _, e := range g.edges[id] {
		if e.Type == edgeType {
			out = append(out, e)
		}
	}
	return out, nil
}

func (g *fakeGraph) UpdateNode(_ context.Context, id string, fields map[string]any, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updates[id] = fields
	return nil
}

type testEnv struct {
	ctx     *Context
	cube    *memcube.MemCube
	textMem *fakeTextMemory
	graph   *fakeGraph
	plane   *weblog.Plane
}

// newTestEnv builds a handler context over fakes. monitorLLM feeds keyword
// extraction and intent detection; postLLM feeds rerank and filtering.
func newTestEnv(t *testing.T, monitorLLM, postLLM llm.Client, topK int) *testEnv {
	t.Helper()
	prompts, err := llm.NewTemplateStore(nil)
	require.NoError(t, err)

	textMem := newFakeTextMemory()
	graph := newFakeGraph()
	cube := &memcube.MemCube{ID: "c1", Name: "cube-one", TextMem: textMem, Graph: graph}
	plane := weblog.NewPlane(nil, nil, 100, func(id string) string {
		if id == "c1" {
			return "cube-one"
		}
		return id
	})
	monitor := monitors.NewGeneralMonitor(monitorLLM, prompts, nil, time.Hour, time.Hour, 50)

	c := &Context{
		Cube: func(id string) *memcube.MemCube {
			if id == "c1" {
				return cube
			}
			return nil
		},
		Monitor:            monitor,
		Search:             searchsvc.New(),
		Post:               postprocess.NewProcessor(postLLM, nil, prompts, 0.75, 6),
		Weblog:             plane,
		TopK:               topK,
		QueryKeyWordsLimit: 20,
		SearchMode:         memcube.SearchFast,
	}
	return &testEnv{ctx: c, cube: cube, textMem: textMem, graph: graph, plane: plane}
}

func memItem(id, text string, memType schemas.MemoryType, tags ...string) schemas.MemoryItem {
	return schemas.MemoryItem{
		ID:     id,
		Memory: text,
		Metadata: schemas.MemoryMetadata{
			MemoryType: memType,
			Key:        schemas.NormalizeTextKey(text),
			Status:     schemas.StatusActivated,
			Tags:       tags,
		},
	}
}
