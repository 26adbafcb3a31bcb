package postprocess

import (
	"context"
	"math"
	"strings"

	"github.com/memstack/memgos/mem_scheduler/llm"
	"github.com/memstack/memgos/mem_scheduler/logx"
	"github.com/memstack/memgos/mem_scheduler/schemas"
)

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// filterVectorSimilar drops any text whose embedding cosine against an
// earlier kept text reaches the threshold. Order is preserved. Embedder
// failures fail open: the input comes back unchanged.
func filterVectorSimilar(ctx context.Context, embedder llm.Embedder, texts []string, threshold float64) []string {
	if len(texts) < 2 || embedder == nil {
		return texts
	}
	vectors, err := embedder.Embed(ctx, texts)
	if err != nil || len(vectors) != len(texts) {
		log := logx.WithComponent("post-processor")
		log.Warn().Err(err).
			Int("texts", len(texts)).Msg("embedding failed, skipping similarity dedup")
		return texts
	}

	kept := make([]string, 0, len(texts))
	keptVecs := make([][]float32, 0, len(texts))
	for i, text := range texts {
		duplicate := false
		for _, kv := range keptVecs {
			if cosine(vectors[i], kv) >= threshold {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, text)
			keptVecs = append(keptVecs, vectors[i])
		}
	}
	return kept
}

// filterTooShort drops texts under the minimum rune length.
func filterTooShort(texts []string, minLength int) []string {
	kept := make([]string, 0, len(texts))
	for _, text := range texts {
		if len([]rune(strings.TrimSpace(text))) >= minLength {
			kept = append(kept, text)
		}
	}
	return kept
}

// dedupeStable removes texts whose normalized text key was already seen,
// preserving first occurrence.
func dedupeStable(texts []string) []string {
	seen := make(map[string]struct{}, len(texts))
	kept := make([]string, 0, len(texts))
	for _, text := range texts {
		key := schemas.NormalizeTextKey(text)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, text)
	}
	return kept
}
