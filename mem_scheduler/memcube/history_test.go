package memcube

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memstack/memgos/mem_scheduler/schemas"
)

func TestAppendDetachRoundTrip(t *testing.T) {
	original := "This is the original memory content."
	item := schemas.MemoryItem{Memory: original}

	AppendRelatedContent(&item, []string{"Duplicate 1", "Duplicate 2"}, []string{"Conflict 1", "Conflict 2"})

	assert.NotEqual(t, original, item.Memory)
	assert.Contains(t, item.Memory, ConflictMemoryTitle)
	assert.Contains(t, item.Memory, DuplicateMemoryTitle)
	assert.Contains(t, item.Memory, "Duplicate 1")
	assert.Contains(t, item.Memory, "Conflict 1")

	DetachRelatedContent(&item)
	assert.Equal(t, original, item.Memory)
}

func TestDetachOnlyConflicts(t *testing.T) {
	original := "Original memory."
	item := schemas.MemoryItem{Memory: original}

	AppendRelatedContent(&item, nil, []string{"Conflict A"})
	assert.Contains(t, item.Memory, "Conflict A")
	assert.NotContains(t, item.Memory, "Duplicate")

	DetachRelatedContent(&item)
	assert.Equal(t, original, item.Memory)
}

func TestAppendTruncatesLongItems(t *testing.T) {
	item := schemas.MemoryItem{Memory: "Test"}
	long := strings.Repeat("A", 300)

	AppendRelatedContent(&item, []string{long}, nil)

	assert.Contains(t, item.Memory, DuplicateMemoryTitle)
	assert.Contains(t, item.Memory, "...")
	assert.Less(t, len(item.Memory), 1000)
}

type recordingGraph struct {
	mu      sync.Mutex
	updates map[string]map[string]any
}

func (g *recordingGraph) GetByMetadata(context.Context, []MetadataFilter) ([]string, error) {
	return nil, nil
}

func (g *recordingGraph) GetEdges(context.Context, string, string, string) ([]Edge, error) {
	return nil, nil
}

func (g *recordingGraph) UpdateNode(_ context.Context, id string, fields map[string]any, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.updates == nil {
		g.updates = make(map[string]map[string]any)
	}
	g.updates[id] = fields
	return nil
}

func TestMarkMemoryStatus(t *testing.T) {
	graph := &recordingGraph{}
	items := []schemas.MemoryItem{
		{ID: "m1", Memory: "M1"},
		{ID: "m2", Memory: "M2"},
		{ID: "m3", Memory: "M3"},
	}

	err := MarkMemoryStatus(context.Background(), graph, items, schemas.StatusResolving, "cube-1")
	require.NoError(t, err)

	assert.Len(t, graph.updates, 3)
	for _, id := range []string{"m1", "m2", "m3"} {
		assert.Equal(t, "resolving", graph.updates[id]["status"])
	}
}
