package postprocess

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/memstack/memgos/mem_scheduler/llm"
	"github.com/memstack/memgos/mem_scheduler/logx"
	"github.com/memstack/memgos/mem_scheduler/schemas"
)

// Strategy selects how retrieved items are enhanced against a query history.
type Strategy string

const (
	// StrategyRewrite asks the LLM for "[index] new text" per original
	// memory; item identities and metadata are preserved, text replaced.
	StrategyRewrite Strategy = "rewrite"
	// StrategyRecreate asks for fresh statements; each becomes a new
	// LongTermMemory item inheriting only the user id.
	StrategyRecreate Strategy = "recreate"
)

// Enhancement is the LLM-driven rewrite/recreate pipeline over retrieved
// items. Batches run concurrently; each batch retries on parse failure and
// falls back to its unmodified inputs when retries are exhausted.
type Enhancement struct {
	llm       llm.Client
	prompts   llm.PromptStore
	strategy  Strategy
	batchSize int
	retries   int
	log       zerolog.Logger
}

// NewEnhancement wires the pipeline. batchSize <= 0 disables splitting.
func NewEnhancement(client llm.Client, prompts llm.PromptStore, strategy Strategy, batchSize, retries int) *Enhancement {
	if strategy != StrategyRecreate {
		strategy = StrategyRewrite
	}
	return &Enhancement{
		llm:       client,
		prompts:   prompts,
		strategy:  strategy,
		batchSize: batchSize,
		retries:   retries,
		log:       logx.WithComponent("enhancement"),
	}
}

func (e *Enhancement) buildPrompt(queryHistory []string, batchTexts []string) (string, error) {
	history := ""
	if len(queryHistory) == 1 {
		history = queryHistory[0]
	} else {
		var lines []string
		for i, q := range queryHistory {
			lines = append(lines, fmt.Sprintf("[%d] %s", i, q))
		}
		history = strings.Join(lines, "\n")
	}

	var memories []string
	promptName := llm.PromptRecreateEnhance
	if e.strategy == StrategyRewrite {
		promptName = llm.PromptRewriteEnhance
		for i, mem := range batchTexts {
			memories = append(memories, fmt.Sprintf("- [%d] %s", i, mem))
		}
	} else {
		for _, mem := range batchTexts {
			memories = append(memories, "- "+mem)
		}
	}
	return e.prompts.Build(promptName, map[string]any{
		"query_history": history,
		"memories":      strings.Join(memories, "\n"),
	})
}

var indexedLineRe = regexp.MustCompile(`^\s*\[(\d+)\]\s*(.+)$`)
var altIndexedLineRe = regexp.MustCompile(`^\s*(\d+)\s*[:\-)]\s*(.+)$`)

func parseIndexAndText(s string) (int, string, bool) {
	s = strings.TrimSpace(s)
	if m := indexedLineRe.FindStringSubmatch(s); m != nil {
		idx, _ := strconv.Atoi(m[1])
		return idx, strings.TrimSpace(m[2]), true
	}
	if m := altIndexedLineRe.FindStringSubmatch(s); m != nil {
		idx, _ := strconv.Atoi(m[1])
		return idx, strings.TrimSpace(m[2]), true
	}
	return 0, s, false
}

func (e *Enhancement) processBatch(ctx context.Context, batchIndex int, queryHistory []string, items []schemas.MemoryItem) ([]schemas.MemoryItem, bool) {
	texts := make([]string, len(items))
	for i, item := range items {
		texts[i] = item.Memory
	}
	prompt, err := e.buildPrompt(queryHistory, texts)
	if err != nil {
		e.log.Error().Err(err).Int("batch", batchIndex).Msg("failed to build enhancement prompt")
		return items, false
	}

	for attempt := 0; attempt <= e.retries; attempt++ {
		if ctx.Err() != nil {
			return items, false
		}
		response, err := e.llm.Generate(ctx, []schemas.ChatMessage{{Role: "user", Content: prompt}})
		if err == nil {
			if processed := llm.ExtractListItems(response); len(processed) > 0 {
				return e.assemble(items, processed), true
			}
			e.log.Debug().Int("batch", batchIndex).Int("attempt", attempt+1).
				Msg("enhancement response contained no list items")
		} else {
			e.log.Debug().Err(err).Int("batch", batchIndex).Int("attempt", attempt+1).
				Msg("enhancement LLM call failed")
		}
		if attempt < e.retries {
			time.Sleep(time.Second)
		}
	}
	e.log.Error().Int("batch", batchIndex).Int("items", len(items)).
		Msg("memory enhancement exhausted retries, returning batch unchanged")
	return items, false
}

func (e *Enhancement) assemble(originals []schemas.MemoryItem, processed []string) []schemas.MemoryItem {
	if e.strategy == StrategyRecreate {
		userID := ""
		if len(originals) > 0 {
			userID = originals[0].Metadata.UserID
		}
		out := make([]schemas.MemoryItem, 0, len(processed))
		for _, text := range processed {
			out = append(out, schemas.MemoryItem{
				ID:     uuid.NewString(),
				Memory: text,
				Metadata: schemas.MemoryMetadata{
					UserID:     userID,
					MemoryType: schemas.LongTermMemory,
				},
			})
		}
		return out
	}

	out := make([]schemas.MemoryItem, 0, len(processed))
	for j, line := range processed {
		idx, newText, hasIndex := parseIndexAndText(line)
		var orig *schemas.MemoryItem
		switch {
		case hasIndex && idx >= 0 && idx < len(originals):
			orig = &originals[idx]
		case j < len(originals):
			orig = &originals[j]
		}
		if orig == nil {
			continue
		}
		out = append(out, schemas.MemoryItem{
			ID:       orig.ID,
			Memory:   newText,
			Metadata: orig.Metadata,
		})
	}
	return out
}

// EnhanceWithQuery runs the configured strategy over all items, splitting
// into concurrent batches above batchSize. Overall success is the
// conjunction of batch successes.
func (e *Enhancement) EnhanceWithQuery(ctx context.Context, queryHistory []string, items []schemas.MemoryItem) ([]schemas.MemoryItem, bool) {
	if len(items) == 0 {
		e.log.Warn().Msg("enhancement skipped, no memories to process")
		return items, true
	}
	if e.batchSize <= 0 || len(items) <= e.batchSize {
		return e.processBatch(ctx, 0, queryHistory, items)
	}

	type batchResult struct {
		start int
		items []schemas.MemoryItem
		ok    bool
	}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []batchResult
	)
	for start := 0; start < len(items); start += e.batchSize {
		end := start + e.batchSize
		if end > len(items) {
			end = len(items)
		}
		wg.Add(1)
		go func(bi, s, e2 int, batch []schemas.MemoryItem) {
			defer wg.Done()
			enhanced, ok := e.processBatch(ctx, bi, queryHistory, batch)
			mu.Lock()
			results = append(results, batchResult{start: s, items: enhanced, ok: ok})
			mu.Unlock()
		}(start/e.batchSize, start, end, items[start:end])
	}
	wg.Wait()

	allOK := true
	failed := 0
	// Reassemble in input order.
	byStart := make(map[int]batchResult, len(results))
	starts := make([]int, 0, len(results))
	for _, r := range results {
		byStart[r.start] = r
		starts = append(starts, r.start)
	}
	sort.Ints(starts)
	var enhanced []schemas.MemoryItem
	for _, s := range starts {
		r := byStart[s]
		enhanced = append(enhanced, r.items...)
		if !r.ok {
			allOK = false
			failed++
		}
	}
	e.log.Info().Int("batches", len(results)).Int("enhanced", len(enhanced)).
		Int("failed_batches", failed).Bool("success", allOK).Msg("multi-batch enhancement done")
	return enhanced, allOK
}

type recallResponse struct {
	Hint          string `json:"hint"`
	TriggerRecall bool   `json:"trigger_recall"`
}

// RecallForMissing asks whether another retrieval round with a refined hint
// would surface missing evidence. An empty hint never triggers.
func (e *Enhancement) RecallForMissing(ctx context.Context, query string, memories []string) (string, bool) {
	var lines []string
	for _, mem := range memories {
		lines = append(lines, "- "+mem)
	}
	prompt, err := e.prompts.Build(llm.PromptEnlargeRecall, map[string]any{
		"query":           query,
		"memories_inline": strings.Join(lines, "\n"),
	})
	if err != nil {
		e.log.Error().Err(err).Msg("failed to build recall prompt")
		return "", false
	}
	response, err := e.llm.Generate(ctx, []schemas.ChatMessage{{Role: "user", Content: prompt}})
	if err != nil {
		e.log.Error().Err(err).Msg("recall LLM call failed")
		return "", false
	}
	var parsed recallResponse
	if !llm.ExtractJSON(response, &parsed) {
		e.log.Error().Str("raw", snippet(response)).Msg("unparseable recall response")
		return "", false
	}
	if parsed.Hint == "" {
		return "", false
	}
	return parsed.Hint, parsed.TriggerRecall
}
