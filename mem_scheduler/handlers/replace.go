package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/memstack/memgos/mem_scheduler/logx"
	"github.com/memstack/memgos/mem_scheduler/memcube"
	"github.com/memstack/memgos/mem_scheduler/schemas"
)

// fastModeTag marks raw-chunk items; they are filtered out of working-memory
// replacement but left untouched by initial search.
const fastModeTag = "mode:fast"

// TransformWorkingMemoriesToMonitors converts items into monitor entries.
// Sorting score encodes the rerank position (first item highest); keywords
// score accumulates keyword occurrences weighted by query-history frequency.
func TransformWorkingMemoriesToMonitors(queryKeywords map[string]int, memories []schemas.MemoryItem) []schemas.MemoryMonitorItem {
	out := make([]schemas.MemoryMonitorItem, 0, len(memories))
	total := len(memories)
	for idx, mem := range memories {
		keywordsScore := 0.0
		if len(queryKeywords) > 0 && mem.Memory != "" {
			for keyword, freq := range queryKeywords {
				if n := strings.Count(mem.Memory, keyword); n > 0 {
					keywordsScore += float64(n * freq)
				}
			}
		}
		out = append(out, schemas.MemoryMonitorItem{
			MemoryText:     mem.Memory,
			Item:           mem,
			MappingKey:     schemas.NormalizeTextKey(mem.Memory),
			SortingScore:   float64(total - idx),
			KeywordsScore:  keywordsScore,
			RecordingCount: 1,
		})
	}
	return out
}

// ReplaceWorkingMemory reconciles the working set: filter fast-mode items
// out of the original, rerank old+new against the query history, drop
// unrelated survivors (fail-open), rescore, and replace the cube's working
// set sorted by score. Returns the new working set.
func (c *Context) ReplaceWorkingMemory(ctx context.Context, userID, memCubeID string, cube *memcube.MemCube, originalMemory, newMemory []schemas.MemoryItem) []schemas.MemoryItem {
	log := logx.WithComponent("working-memory").With().
		Str("user_id", userID).Str("mem_cube_id", memCubeID).Logger()

	qm := c.Monitor.QueryMonitor(ctx, userID, memCubeID)
	c.Monitor.SyncQueries(ctx, userID, memCubeID)
	queryHistory := qm.QueriesWithTimesort()

	filteredOriginal := make([]schemas.MemoryItem, 0, len(originalMemory))
	for _, item := range originalMemory {
		if item.Metadata.HasTag(fastModeTag) {
			log.Debug().Str("id", item.ID).Strs("tags", item.Metadata.Tags).
				Msg("filtered out fast-mode memory")
			continue
		}
		filteredOriginal = append(filteredOriginal, item)
	}
	log.Info().Int("removed", len(originalMemory)-len(filteredOriginal)).
		Int("remaining", len(filteredOriginal)).Msg("fast-mode filtering complete")

	reordered, rerankOK := c.Post.ProcessAndRerank(ctx, queryHistory, filteredOriginal, newMemory, c.TopK)

	filtered, filterOK := c.Post.FilterUnrelated(ctx, queryHistory, reordered)
	if filterOK {
		log.Info().Int("before", len(reordered)).Int("after", len(filtered)).
			Msg("memory filtering completed")
		reordered = filtered
	} else {
		log.Warn().Int("count", len(reordered)).
			Msg("memory filtering failed, keeping all memories as fallback")
	}

	queryKeywords := qm.KeywordsCollections()
	newMonitors := TransformWorkingMemoriesToMonitors(queryKeywords, reordered)
	if !rerankOK {
		// With rerank order unavailable the keyword score must dominate.
		for i := range newMonitors {
			newMonitors[i].SortingScore = 0
		}
	}

	wm := c.Monitor.WorkingMonitor(ctx, userID, memCubeID)
	wm.Update(newMonitors)
	c.Monitor.SyncWorking(ctx, userID, memCubeID)

	sorted := wm.SortedMonitors(true)
	newWorking := make([]schemas.MemoryItem, 0, len(sorted))
	for _, monitor := range sorted {
		newWorking = append(newWorking, monitor.Item)
	}

	if cube != nil && cube.TextMem != nil {
		if err := cube.TextMem.ReplaceWorkingMemory(ctx, newWorking); err != nil {
			log.Error().Err(err).Msg("failed to replace working memory on mem-cube")
		}
	}
	log.Info().Int("memories", len(newWorking)).Msg("working memory replaced")

	meta := make([]map[string]any, 0, len(newWorking))
	for _, item := range newWorking {
		meta = append(meta, map[string]any{
			"ref_id":     item.ID,
			"id":         item.ID,
			"key":        item.Metadata.Key,
			"memory":     item.Memory,
			"memory_type": string(item.Metadata.MemoryType),
			"updated_at": item.Metadata.UpdatedAt,
		})
	}
	c.emit(ctx, schemas.WebLogEvent{
		Label:          schemas.LabelMemUpdate,
		FromMemoryType: string(schemas.LongTermMemory),
		ToMemoryType:   string(schemas.WorkingMemory),
		UserID:         userID,
		MemCubeID:      memCubeID,
		LogContent: fmt.Sprintf("Working memory replaced: %d old, %d new",
			len(filteredOriginal), len(newWorking)),
		Metadata:  meta,
		MemoryLen: len(newWorking),
	})
	return newWorking
}
