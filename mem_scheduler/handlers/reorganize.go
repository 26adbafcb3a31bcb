package handlers

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/memstack/memgos/mem_scheduler/logx"
	"github.com/memstack/memgos/mem_scheduler/memcube"
	"github.com/memstack/memgos/mem_scheduler/schemas"
	"github.com/memstack/memgos/mem_scheduler/weblog"
)

// MemReorganizeHandler reports post-merge structure: it resolves MERGED_TO
// edges for the listed ids, emits one mergeMemory event carrying each
// pre-merge item plus a synthetic post-merge row, then asks the memory
// manager to refresh.
type MemReorganizeHandler struct {
	ctx *Context
	log zerolog.Logger
}

func NewMemReorganizeHandler(c *Context) *MemReorganizeHandler {
	return &MemReorganizeHandler{ctx: c, log: logx.WithComponent("mem-reorganize-handler")}
}

func (h *MemReorganizeHandler) Label() string { return schemas.LabelMemReorganize }

func (h *MemReorganizeHandler) Handle(ctx context.Context, msgs []schemas.Message) error {
	forEachConcurrent(ctx, h.log, msgs, readerConcurrency, h.processMessage)
	return nil
}

func (h *MemReorganizeHandler) processMessage(ctx context.Context, msg schemas.Message) error {
	cube := h.ctx.Cube(msg.MemCubeID)
	if cube == nil || cube.TextMem == nil {
		return fmt.Errorf("mem-cube %s not registered", msg.MemCubeID)
	}
	var memIDs []string
	if err := json.Unmarshal([]byte(msg.Content), &memIDs); err != nil {
		return fmt.Errorf("mem_reorganize content is not a JSON id list: %w", err)
	}
	if len(memIDs) == 0 {
		return nil
	}
	userName := msg.UserName
	if userName == "" {
		userName = msg.MemCubeID
	}
	h.log.Info().Str("user_id", msg.UserID).Str("mem_cube_id", msg.MemCubeID).
		Strs("mem_ids", memIDs).Msg("processing mem_reorganize")

	var items []schemas.MemoryItem
	for _, memID := range memIDs {
		item, err := cube.TextMem.Get(ctx, memID, userName)
		if err != nil || item == nil {
			h.log.Warn().Err(err).Str("memory_id", memID).Msg("failed to get memory for reorganize")
			continue
		}
		items = append(items, *item)
	}
	if len(items) == 0 {
		h.log.Warn().Msg("no valid memory items found for reorganize")
		return nil
	}

	if err := cube.TextMem.RemoveAndRefresh(ctx, userName); err != nil {
		h.log.Warn().Err(err).Msg("remove-and-refresh failed")
	}

	if len(items) > 1 {
		h.emitMergeEvent(ctx, msg, cube, items, memIDs, userName)
	}
	return nil
}

func (h *MemReorganizeHandler) emitMergeEvent(ctx context.Context, msg schemas.Message, cube *memcube.MemCube, items []schemas.MemoryItem, memIDs []string, userName string) {
	mergedTargets := make(map[string]struct{})
	if cube.Graph != nil {
		for _, memID := range memIDs {
			edges, err := cube.Graph.GetEdges(ctx, memID, "MERGED_TO", "OUT")
			if err != nil {
				h.log.Warn().Err(err).Str("memory_id", memID).Msg("failed to read MERGED_TO edges")
				continue
			}
			for _, edge := range edges {
				if edge.To != "" {
					mergedTargets[edge.To] = struct{}{}
				}
			}
		}
	}

	var keys []string
	var contents, metas []map[string]any
	for _, item := range items {
		key := item.Metadata.Key
		if key == "" {
			key = schemas.NormalizeTextKey(item.Memory)
		}
		keys = append(keys, key)
		display := key
		if display == "" {
			display = "(no key)"
		}
		contents = append(contents, map[string]any{
			"content": display,
			"ref_id":  item.ID,
			"type":    "merged",
		})
		_, meta := itemLegacyContent(item, item.ID)
		metas = append(metas, meta)
	}

	combinedKey := ""
	if len(keys) > 0 {
		combinedKey = keys[0]
	}

	postRefID := ""
	postMeta := map[string]any{
		"ref_id": nil, "id": nil, "key": nil, "memory": nil,
		"memory_type": nil, "status": nil, "confidence": nil,
		"tags": nil, "updated_at": nil,
	}
	for target := range mergedTargets {
		postRefID = target
		break
	}
	if postRefID != "" {
		if merged, err := cube.TextMem.Get(ctx, postRefID, userName); err == nil && merged != nil {
			if merged.Metadata.Key != "" {
				combinedKey = merged.Metadata.Key
			}
			_, postMeta = itemLegacyContent(*merged, postRefID)
		} else {
			postMeta["ref_id"] = postRefID
			postMeta["id"] = postRefID
		}
	} else {
		// No MERGED_TO edge yet: derive a deterministic target id from the
		// input ids so repeated events stay correlated.
		sorted := append([]string{}, memIDs...)
		sort.Strings(sorted)
		postRefID = fmt.Sprintf("merge-%x", md5.Sum([]byte(strings.Join(sorted, ""))))
		postMeta["ref_id"] = postRefID
		postMeta["id"] = postRefID
	}
	if postMeta["key"] == nil || postMeta["key"] == "" {
		postMeta["key"] = combinedKey
	}

	display := combinedKey
	if display == "" {
		display = "(no key)"
	}
	contents = append(contents, map[string]any{
		"content": display,
		"ref_id":  postRefID,
		"type":    "postMerge",
	})
	metas = append(metas, postMeta)

	h.ctx.emit(ctx, schemas.WebLogEvent{
		TaskID:            msg.TaskID,
		Label:             weblog.LabelMergeMemory,
		FromMemoryType:    schemas.LongTermType,
		ToMemoryType:      schemas.LongTermType,
		UserID:            msg.UserID,
		MemCubeID:         msg.MemCubeID,
		MemCubeLogContent: contents,
		Metadata:          metas,
		MemoryLen:         len(keys),
		MemCubeName:       h.ctx.MapMemCubeName(msg.MemCubeID),
	})
}
