package llm

import (
	"context"

	"github.com/memstack/memgos/mem_scheduler/schemas"
)

// Client generates a completion for a chat-shaped prompt. Concrete bindings
// (OpenAI-compatible HTTP, local runtimes) live outside this module.
type Client interface {
	Generate(ctx context.Context, messages []schemas.ChatMessage) (string, error)
}

// Embedder maps texts to dense vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// RankedItem is one entry of a reranker response.
type RankedItem struct {
	Index int
	Score float64
}

// Reranker scores candidate texts against a query.
type Reranker interface {
	Rerank(ctx context.Context, query string, texts []string) ([]RankedItem, error)
}
