package handlers

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/memstack/memgos/mem_scheduler/logx"
	"github.com/memstack/memgos/mem_scheduler/memcube"
	"github.com/memstack/memgos/mem_scheduler/schemas"
	"github.com/memstack/memgos/mem_scheduler/searchsvc"
)

// MemoryUpdateHandler runs the core reconciliation loop: register queries in
// the monitor, decide whether retrieval is needed, search per missing
// evidence, and replace the working set.
type MemoryUpdateHandler struct {
	ctx *Context
	log zerolog.Logger
}

func NewMemoryUpdateHandler(c *Context) *MemoryUpdateHandler {
	return &MemoryUpdateHandler{ctx: c, log: logx.WithComponent("memory-update-handler")}
}

func (h *MemoryUpdateHandler) Label() string { return schemas.LabelMemUpdate }

func (h *MemoryUpdateHandler) Handle(ctx context.Context, msgs []schemas.Message) error {
	return processGrouped(ctx, h.log, msgs, h.batchHandler)
}

func (h *MemoryUpdateHandler) batchHandler(ctx context.Context, userID, memCubeID string, batch []schemas.Message) error {
	cube := h.ctx.Cube(memCubeID)
	monitor := h.ctx.Monitor

	qm := monitor.QueryMonitor(ctx, userID, memCubeID)
	for _, msg := range batch {
		query := msg.Content
		keywords := monitor.ExtractQueryKeywords(ctx, query)
		if len(keywords) == 0 {
			keywords = fallbackKeywords(query, h.ctx.QueryKeyWordsLimit)
			h.log.Warn().Str("query", query).Str("user_id", userID).
				Strs("fallback_keywords", head(keywords, 10)).
				Msg("keyword extraction failed, using split fallback")
		}
		qm.Put(schemas.QueryMonitorItem{
			QueryText: query,
			Keywords:  keywords,
			Timestamp: time.Now().UTC(),
		})
	}
	monitor.SyncQueries(ctx, userID, memCubeID)

	queries := make([]string, len(batch))
	for i, msg := range batch {
		queries[i] = msg.Content
	}

	curWorking, newCandidates := h.processSessionTurn(ctx, queries, userID, memCubeID, cube, h.ctx.TopK)
	h.log.Info().Int("queries", len(queries)).Int("candidates", len(newCandidates)).
		Str("user_id", userID).Msg("session turn processed")

	newWorking := h.ctx.ReplaceWorkingMemory(ctx, userID, memCubeID, cube, curWorking, newCandidates)
	h.log.Info().
		Str("user_id", userID).Str("mem_cube_id", memCubeID).
		Int("old_size", len(curWorking)).Int("new_size", len(newWorking)).
		Msg("working memory reconciled against query history")

	if h.ctx.EnableActivationMemory && h.ctx.Activation != nil {
		h.ctx.Activation.UpdatePeriodically(ctx, h.ctx.ActMemUpdateInterval, schemas.LabelQuery, userID, memCubeID, cube)
	}
	return nil
}

// processSessionTurn reads the current working set, asks the monitor for
// intent, and searches per missing evidence. On the no-trigger path it
// returns the current set with no candidates.
func (h *MemoryUpdateHandler) processSessionTurn(ctx context.Context, queries []string, userID, memCubeID string, cube *memcube.MemCube, topK int) ([]schemas.MemoryItem, []schemas.MemoryItem) {
	monitor := h.ctx.Monitor

	var curWorking []schemas.MemoryItem
	if cube != nil && cube.TextMem != nil {
		working, err := cube.TextMem.GetWorkingMemory(ctx, memCubeID)
		if err != nil {
			h.log.Warn().Err(err).Str("mem_cube_id", memCubeID).Msg("failed to read working memory")
		} else {
			curWorking = working
		}
		if len(curWorking) > topK {
			curWorking = curWorking[:topK]
		}
	}

	workingTexts := make([]string, len(curWorking))
	for i, item := range curWorking {
		workingTexts[i] = item.Memory
	}

	intent := monitor.DetectIntent(ctx, queries, workingTexts)
	timeTriggered := monitor.TimedTrigger(monitor.QueryConsumeTime(), monitor.QueryTriggerInterval)

	switch {
	case !intent.TriggerRetrieval && !timeTriggered:
		h.log.Info().Str("user_id", userID).Str("mem_cube_id", memCubeID).
			Msg("query schedule not triggered")
		return curWorking, nil
	case !intent.TriggerRetrieval && timeTriggered:
		h.log.Info().Str("user_id", userID).Str("mem_cube_id", memCubeID).
			Msg("query schedule forced to trigger by time ticker")
		intent.TriggerRetrieval = true
		intent.MissingEvidences = queries
	default:
		h.log.Info().Strs("missing_evidences", intent.MissingEvidences).
			Str("user_id", userID).Msg("query schedule triggered")
	}

	kPerEvidence := topK / max(1, len(intent.MissingEvidences))
	if kPerEvidence < 1 {
		kPerEvidence = 1
	}

	var newCandidates []schemas.MemoryItem
	for _, evidence := range intent.MissingEvidences {
		results := h.ctx.Search.Search(ctx, cube, searchsvc.Request{
			Query:     evidence,
			UserID:    userID,
			MemCubeID: memCubeID,
			TopK:      kPerEvidence,
			Mode:      h.ctx.SearchMode,
		})
		h.log.Info().Str("evidence", evidence).Int("results", len(results)).
			Msg("searched for missing evidence")
		newCandidates = append(newCandidates, results...)
	}
	monitor.TouchQueryConsumeTime()
	return curWorking, newCandidates
}

// fallbackKeywords splits a query when extraction returns nothing: word split
// for pure-ASCII text, character split otherwise, capped and deduplicated.
func fallbackKeywords(query string, limit int) []string {
	stripped := strings.TrimSpace(query)
	var words []string
	if schemas.IsAllEnglish(stripped) {
		words = strings.Fields(stripped)
	} else {
		for _, r := range stripped {
			if !strings.ContainsRune(" \t\n", r) {
				words = append(words, string(r))
			}
		}
	}
	if limit > 0 && len(words) > limit {
		words = words[:limit]
	}
	seen := make(map[string]struct{}, len(words))
	var unique []string
	for _, w := range words {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		unique = append(unique, w)
	}
	sort.Strings(unique)
	return unique
}

func head(xs []string, n int) []string {
	if len(xs) > n {
		return xs[:n]
	}
	return xs
}
