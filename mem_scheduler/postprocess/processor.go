package postprocess

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/memstack/memgos/mem_scheduler/llm"
	"github.com/memstack/memgos/mem_scheduler/logx"
	"github.com/memstack/memgos/mem_scheduler/observability"
	"github.com/memstack/memgos/mem_scheduler/schemas"
)

// Processor performs post-retrieval filtering and reranking over memory
// items. Every LLM-backed operation fails open: a malformed response returns
// the inputs unchanged with ok=false so downstream steps still progress.
type Processor struct {
	llm      llm.Client
	embedder llm.Embedder
	prompts  llm.PromptStore

	similarityThreshold float64
	minLengthThreshold  int

	log zerolog.Logger
}

// NewProcessor wires the post-processor. embedder may be nil, which disables
// vector-similarity dedup.
func NewProcessor(client llm.Client, embedder llm.Embedder, prompts llm.PromptStore, similarityThreshold float64, minLengthThreshold int) *Processor {
	return &Processor{
		llm:                 client,
		embedder:            embedder,
		prompts:             prompts,
		similarityThreshold: similarityThreshold,
		minLengthThreshold:  minLengthThreshold,
		log:                 logx.WithComponent("post-processor"),
	}
}

func (p *Processor) generate(ctx context.Context, operation, prompt string) (string, error) {
	start := time.Now()
	defer func() {
		observability.LLMCallDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}()
	return p.llm.Generate(ctx, []schemas.ChatMessage{{Role: "user", Content: prompt}})
}

type rerankResponse struct {
	NewOrder  []int  `json:"new_order"`
	Reasoning string `json:"reasoning"`
}

// RerankMemories asks the LLM for a new ordering of texts against the
// queries. Only the first query is placed in the prompt. On any failure the
// first topK inputs come back with ok=false.
func (p *Processor) RerankMemories(ctx context.Context, queries, texts []string, topK int) ([]string, bool) {
	if len(texts) == 0 || len(queries) == 0 {
		return texts, true
	}
	if p.llm == nil {
		return truncate(texts, topK), false
	}
	current := make([]string, len(texts))
	for i, mem := range texts {
		current[i] = fmt.Sprintf("[%d] %s", i, mem)
	}
	prompt, err := p.prompts.Build(llm.PromptMemoryReranking, map[string]any{
		"queries":       []string{fmt.Sprintf("[0] %s", queries[0])},
		"current_order": current,
	})
	if err != nil {
		p.log.Error().Err(err).Msg("failed to build rerank prompt")
		return truncate(texts, topK), false
	}

	response, err := p.generate(ctx, "rerank", prompt)
	if err != nil {
		p.log.Error().Err(err).Msg("rerank LLM call failed")
		return truncate(texts, topK), false
	}

	var parsed rerankResponse
	if !llm.ExtractJSON(response, &parsed) {
		p.log.Error().Str("raw", snippet(response)).Msg("unparseable rerank response")
		return truncate(texts, topK), false
	}

	reordered := make([]string, 0, topK)
	for _, idx := range parsed.NewOrder {
		if idx < 0 || idx >= len(texts) {
			continue
		}
		reordered = append(reordered, texts[idx])
		if len(reordered) == topK {
			break
		}
	}
	if len(reordered) == 0 {
		p.log.Error().Str("raw", snippet(response)).Msg("rerank response contained no valid indices")
		return truncate(texts, topK), false
	}
	p.log.Info().Int("kept", len(reordered)).Str("reasoning", parsed.Reasoning).Msg("reranked memories")
	return reordered, true
}

// ProcessAndRerank merges the original and new item lists, dedups by vector
// similarity and normalized text key, drops too-short entries, reranks, and
// maps the surviving texts back to their items.
func (p *Processor) ProcessAndRerank(ctx context.Context, queries []string, original, added []schemas.MemoryItem, topK int) ([]schemas.MemoryItem, bool) {
	combined := make([]schemas.MemoryItem, 0, len(original)+len(added))
	combined = append(combined, original...)
	combined = append(combined, added...)

	itemByKey := make(map[string]schemas.MemoryItem, len(combined))
	texts := make([]string, 0, len(combined))
	for _, item := range combined {
		key := schemas.NormalizeTextKey(item.Memory)
		if _, ok := itemByKey[key]; !ok {
			itemByKey[key] = item
		}
		texts = append(texts, item.Memory)
	}

	texts = filterVectorSimilar(ctx, p.embedder, texts, p.similarityThreshold)
	texts = filterTooShort(texts, p.minLengthThreshold)
	texts = dedupeStable(texts)

	ordered, ok := p.RerankMemories(ctx, queries, texts, topK)

	result := make([]schemas.MemoryItem, 0, len(ordered))
	for _, text := range ordered {
		key := schemas.NormalizeTextKey(text)
		item, found := itemByKey[key]
		if !found {
			p.log.Warn().Str("text", snippet(text)).Msg("reranked text missing from memory map")
			continue
		}
		result = append(result, item)
	}
	return result, ok
}

type keepResponse struct {
	Keep []bool `json:"keep"`
}

func (p *Processor) filterWithPrompt(ctx context.Context, promptName, operation string, queryHistory []string, items []schemas.MemoryItem) ([]schemas.MemoryItem, bool) {
	if len(items) == 0 || p.llm == nil {
		return items, p.llm != nil
	}
	texts := make([]string, len(items))
	for i, item := range items {
		texts[i] = fmt.Sprintf("[%d] %s", i, item.Memory)
	}
	prompt, err := p.prompts.Build(promptName, map[string]any{
		"queries":  queryHistory,
		"memories": texts,
	})
	if err != nil {
		p.log.Error().Err(err).Str("template", promptName).Msg("failed to build filter prompt")
		return items, false
	}
	response, err := p.generate(ctx, operation, prompt)
	if err != nil {
		p.log.Error().Err(err).Str("operation", operation).Msg("filter LLM call failed")
		return items, false
	}
	var parsed keepResponse
	if !llm.ExtractJSON(response, &parsed) || len(parsed.Keep) != len(items) {
		p.log.Warn().Str("operation", operation).Str("raw", snippet(response)).
			Msg("filter response malformed, keeping all memories")
		return items, false
	}
	kept := make([]schemas.MemoryItem, 0, len(items))
	for i, keep := range parsed.Keep {
		if keep {
			kept = append(kept, items[i])
		}
	}
	return kept, true
}

// FilterUnrelated drops items unrelated to the query history.
func (p *Processor) FilterUnrelated(ctx context.Context, queryHistory []string, items []schemas.MemoryItem) ([]schemas.MemoryItem, bool) {
	return p.filterWithPrompt(ctx, llm.PromptRelevanceFilter, "filter_unrelated", queryHistory, items)
}

// FilterRedundant drops items redundant with earlier ones in the list.
func (p *Processor) FilterRedundant(ctx context.Context, queryHistory []string, items []schemas.MemoryItem) ([]schemas.MemoryItem, bool) {
	return p.filterWithPrompt(ctx, llm.PromptRedundancyFilter, "filter_redundant", queryHistory, items)
}

type answerabilityResponse struct {
	Result bool   `json:"result"`
	Reason string `json:"reason"`
}

// EvaluateAnswerAbility judges whether the memories suffice to answer the
// query. Parse failures mean false.
func (p *Processor) EvaluateAnswerAbility(ctx context.Context, query string, memoryTexts []string, topK int) bool {
	if p.llm == nil {
		return false
	}
	limited := memoryTexts
	if topK > 0 && len(limited) > topK {
		limited = limited[:topK]
	}
	memoryList := "No memories available"
	if len(limited) > 0 {
		var lines []string
		for _, mem := range limited {
			lines = append(lines, "- "+mem)
		}
		memoryList = joinLines(lines)
	}
	prompt, err := p.prompts.Build(llm.PromptAnswerAbility, map[string]any{
		"query":       query,
		"memory_list": memoryList,
	})
	if err != nil {
		p.log.Error().Err(err).Msg("failed to build answerability prompt")
		return false
	}
	response, err := p.generate(ctx, "answerability", prompt)
	if err != nil {
		p.log.Error().Err(err).Msg("answerability LLM call failed")
		return false
	}
	var parsed answerabilityResponse
	if !llm.ExtractJSON(response, &parsed) {
		p.log.Error().Str("raw", snippet(response)).Msg("unparseable answerability response")
		return false
	}
	p.log.Info().Bool("result", parsed.Result).Str("reason", parsed.Reason).
		Int("evaluated", len(limited)).Msg("answerability judged")
	return parsed.Result
}

func truncate(texts []string, topK int) []string {
	if topK > 0 && len(texts) > topK {
		return texts[:topK]
	}
	return texts
}

func snippet(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

func joinLines(lines []string) string {
	out := ""
	for i, line := range lines {
		if i > 0 {
			out += "\n"
		}
		out += line
	}
	return out
}
