package postprocess

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memstack/memgos/mem_scheduler/llm"
	"github.com/memstack/memgos/mem_scheduler/schemas"
)

// scriptedLLM returns canned responses in order, sticking on the last one.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []string
	i         int
	prompts   []string
}

func (s *scriptedLLM) Generate(_ context.Context, msgs []schemas.ChatMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(msgs) > 0 {
		s.prompts = append(s.prompts, msgs[len(msgs)-1].Content)
	}
	if len(s.responses) == 0 {
		return "", nil
	}
	resp := s.responses[min(s.i, len(s.responses)-1)]
	s.i++
	return resp, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// fixedEmbedder maps exact texts to preset vectors.
type fixedEmbedder struct {
	vectors map[string][]float32
}

func (e *fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.vectors[text]
	}
	return out, nil
}

func items(texts ...string) []schemas.MemoryItem {
	out := make([]schemas.MemoryItem, len(texts))
	for i, text := range texts {
		out[i] = schemas.MemoryItem{ID: text, Memory: text}
	}
	return out
}

func mustPrompts(t *testing.T) llm.PromptStore {
	t.Helper()
	store, err := llm.NewTemplateStore(nil)
	require.NoError(t, err)
	return store
}

func TestRerankFallbackOnUnparseableResponse(t *testing.T) {
	client := &scriptedLLM{responses: []string{"not json"}}
	p := NewProcessor(client, nil, mustPrompts(t), 0.75, 6)

	in := items("x-memory-first", "y-memory-second", "z-memory-third", "w-memory-fourth")
	out, ok := p.ProcessAndRerank(context.Background(), []string{"some query"}, in, nil, 2)

	assert.False(t, ok)
	require.Len(t, out, 2)
	assert.Equal(t, "x-memory-first", out[0].Memory)
	assert.Equal(t, "y-memory-second", out[1].Memory)
}

func TestProcessAndRerankMapsTextsBackToItems(t *testing.T) {
	client := &scriptedLLM{responses: []string{`{"new_order": [2, 0], "reasoning": "newest first"}`}}
	p := NewProcessor(client, nil, mustPrompts(t), 0.75, 6)

	original := items("alpha berry tale", "bravo cherry tale")
	added := items("delta memory code")
	out, ok := p.ProcessAndRerank(context.Background(), []string{"about delta"}, original, added, 3)

	assert.True(t, ok)
	require.Len(t, out, 2)
	assert.Equal(t, "delta memory code", out[0].ID)
	assert.Equal(t, "alpha berry tale", out[1].ID)
}

func TestVectorSimilarityDedup(t *testing.T) {
	embedder := &fixedEmbedder{vectors: map[string][]float32{
		"first memory text":  {1, 0, 0},
		"second memory text": {0.99, 0.01, 0},   // near-duplicate of first
		"third memory text":  {0, 1, 0},
	}}
	// Unparseable rerank keeps the filtered order, exposing the dedup result.
	client := &scriptedLLM{responses: []string{"garbage"}}
	p := NewProcessor(client, embedder, mustPrompts(t), 0.75, 6)

	in := items("first memory text", "second memory text", "third memory text")
	out, ok := p.ProcessAndRerank(context.Background(), []string{"q"}, in, nil, 10)

	assert.False(t, ok)
	require.Len(t, out, 2)
	assert.Equal(t, "first memory text", out[0].Memory)
	assert.Equal(t, "third memory text", out[1].Memory)
}

func TestLengthFilterDropsShortTexts(t *testing.T) {
	client := &scriptedLLM{responses: []string{"garbage"}}
	p := NewProcessor(client, nil, mustPrompts(t), 0.75, 6)

	in := items("ok", "long enough memory")
	out, _ := p.ProcessAndRerank(context.Background(), []string{"q"}, in, nil, 10)

	require.Len(t, out, 1)
	assert.Equal(t, "long enough memory", out[0].Memory)
}

func TestFilterUnrelatedFailOpen(t *testing.T) {
	client := &scriptedLLM{responses: []string{"not a keep vector"}}
	p := NewProcessor(client, nil, mustPrompts(t), 0.75, 6)

	in := items("memory one text", "memory two text")
	out, ok := p.FilterUnrelated(context.Background(), []string{"q"}, in)

	assert.False(t, ok)
	assert.Equal(t, in, out)
}

func TestFilterUnrelatedKeepVector(t *testing.T) {
	client := &scriptedLLM{responses: []string{`{"keep": [false, true]}`}}
	p := NewProcessor(client, nil, mustPrompts(t), 0.75, 6)

	in := items("memory one text", "memory two text")
	out, ok := p.FilterUnrelated(context.Background(), []string{"q"}, in)

	assert.True(t, ok)
	require.Len(t, out, 1)
	assert.Equal(t, "memory two text", out[0].Memory)
}

func TestEvaluateAnswerAbility(t *testing.T) {
	client := &scriptedLLM{responses: []string{`{"result": true, "reason": "covered"}`}}
	p := NewProcessor(client, nil, mustPrompts(t), 0.75, 6)
	assert.True(t, p.EvaluateAnswerAbility(context.Background(), "q", []string{"mem"}, 5))

	client = &scriptedLLM{responses: []string{"??"}}
	p = NewProcessor(client, nil, mustPrompts(t), 0.75, 6)
	assert.False(t, p.EvaluateAnswerAbility(context.Background(), "q", []string{"mem"}, 5))
}
