package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/memstack/memgos/mem_scheduler/logx"
	"github.com/memstack/memgos/mem_scheduler/memcube"
	"github.com/memstack/memgos/mem_scheduler/schemas"
	"github.com/memstack/memgos/mem_scheduler/weblog"
)

// AddHandler resolves freshly added memory ids against the graph store and
// emits add/update log events. An id whose (key, memory_type) already exists
// takes the update path; missing ids are logged but never fatal.
type AddHandler struct {
	ctx *Context
	log zerolog.Logger
}

func NewAddHandler(c *Context) *AddHandler {
	return &AddHandler{ctx: c, log: logx.WithComponent("add-handler")}
}

func (h *AddHandler) Label() string { return schemas.LabelAdd }

func (h *AddHandler) Handle(ctx context.Context, msgs []schemas.Message) error {
	return processGrouped(ctx, h.log, msgs, h.batchHandler)
}

type preparedUpdate struct {
	item            schemas.MemoryItem
	originalContent string
	originalItemID  string
}

func (h *AddHandler) batchHandler(ctx context.Context, _, _ string, batch []schemas.Message) error {
	for _, msg := range batch {
		addItems, updateItems := h.prepare(ctx, msg)
		if h.ctx.CloudEnv {
			h.emitCloud(ctx, msg, addItems, updateItems)
		} else {
			h.emitLocal(ctx, msg, addItems, updateItems)
		}
	}
	return nil
}

func (h *AddHandler) prepare(ctx context.Context, msg schemas.Message) ([]schemas.MemoryItem, []preparedUpdate) {
	var memoryIDs []string
	if err := json.Unmarshal([]byte(msg.Content), &memoryIDs); err != nil {
		h.log.Error().Err(err).Str("content", preview(msg.Content)).
			Msg("add content is not a JSON id list")
		return nil, nil
	}

	cube := h.ctx.Cube(msg.MemCubeID)
	if cube == nil || cube.TextMem == nil {
		h.log.Error().Str("mem_cube_id", msg.MemCubeID).Msg("mem-cube not registered")
		return nil, nil
	}

	var (
		addItems    []schemas.MemoryItem
		updateItems []preparedUpdate
		missingIDs  []string
	)
	for _, memoryID := range memoryIDs {
		item, err := cube.TextMem.Get(ctx, memoryID, msg.MemCubeID)
		if err != nil || item == nil {
			missingIDs = append(missingIDs, memoryID)
			continue
		}
		key := item.Metadata.Key
		if key == "" {
			key = schemas.NormalizeTextKey(item.Memory)
		}

		exists := false
		var originalContent, originalItemID string
		if key != "" && cube.Graph != nil {
			candidates, err := cube.Graph.GetByMetadata(ctx, []memcube.MetadataFilter{
				{Field: "key", Op: "=", Value: key},
				{Field: "memory_type", Op: "=", Value: string(item.Metadata.MemoryType)},
			})
			if err != nil {
				h.log.Warn().Err(err).Str("key", key).Msg("graph lookup failed, treating as new")
			} else if len(candidates) > 0 {
				exists = true
				originalItemID = candidates[0]
				if orig, err := cube.TextMem.Get(ctx, originalItemID, msg.MemCubeID); err == nil && orig != nil {
					originalContent = orig.Memory
				}
			}
		}

		if exists {
			updateItems = append(updateItems, preparedUpdate{
				item:            *item,
				originalContent: originalContent,
				originalItemID:  originalItemID,
			})
		} else {
			addItems = append(addItems, *item)
		}
	}

	if len(missingIDs) > 0 {
		h.log.Warn().Strs("memory_ids", missingIDs).
			Str("user_id", msg.UserID).Str("mem_cube_id", msg.MemCubeID).
			Str("task_id", msg.TaskID).Str("item_id", msg.ItemID).Str("label", msg.Label).
			Str("content_preview", preview(msg.Content)).
			Msg("missing memory items during add log preparation")
	}
	if len(addItems) == 0 && len(updateItems) == 0 {
		h.log.Warn().Str("user_id", msg.UserID).Str("mem_cube_id", msg.MemCubeID).
			Str("task_id", msg.TaskID).
			Msg("no add/update items prepared, skipping add logs")
	}
	return addItems, updateItems
}

func itemLegacyContent(item schemas.MemoryItem, refID string) (map[string]any, map[string]any) {
	key := item.Metadata.Key
	if key == "" {
		key = schemas.NormalizeTextKey(item.Memory)
	}
	content := map[string]any{"content": fmt.Sprintf("%s: %s", key, item.Memory), "ref_id": refID}
	meta := map[string]any{
		"ref_id":      refID,
		"id":          item.ID,
		"key":         item.Metadata.Key,
		"memory":      item.Memory,
		"memory_type": string(item.Metadata.MemoryType),
		"status":      string(item.Metadata.Status),
		"confidence":  item.Metadata.Confidence,
		"tags":        item.Metadata.Tags,
		"updated_at":  item.Metadata.UpdatedAt,
	}
	return content, meta
}

func (h *AddHandler) emitLocal(ctx context.Context, msg schemas.Message, addItems []schemas.MemoryItem, updateItems []preparedUpdate) {
	var events []schemas.WebLogEvent
	if len(addItems) > 0 {
		var contents, metas []map[string]any
		for _, item := range addItems {
			c, m := itemLegacyContent(item, item.ID)
			contents = append(contents, c)
			metas = append(metas, m)
		}
		events = append(events, schemas.WebLogEvent{
			TaskID:            msg.TaskID,
			Label:             weblog.LabelAddMemory,
			FromMemoryType:    schemas.UserInputType,
			ToMemoryType:      schemas.LongTermType,
			UserID:            msg.UserID,
			MemCubeID:         msg.MemCubeID,
			MemCubeLogContent: contents,
			Metadata:          metas,
			MemoryLen:         len(contents),
			MemCubeName:       h.ctx.MapMemCubeName(msg.MemCubeID),
		})
	}
	if len(updateItems) > 0 {
		var contents, metas []map[string]any
		for _, upd := range updateItems {
			c, m := itemLegacyContent(upd.item, upd.originalItemID)
			m["original_content"] = upd.originalContent
			contents = append(contents, c)
			metas = append(metas, m)
		}
		events = append(events, schemas.WebLogEvent{
			TaskID:            msg.TaskID,
			Label:             weblog.LabelUpdateMemory,
			FromMemoryType:    schemas.LongTermType,
			ToMemoryType:      schemas.LongTermType,
			UserID:            msg.UserID,
			MemCubeID:         msg.MemCubeID,
			MemCubeLogContent: contents,
			Metadata:          metas,
			MemoryLen:         len(contents),
			MemCubeName:       h.ctx.MapMemCubeName(msg.MemCubeID),
		})
	}
	if len(events) > 0 {
		h.ctx.emit(ctx, events...)
	}
}

func kbRecord(triggerSource, operation, memoryID, content string, originalContent any, sourceDocID string) map[string]any {
	rec := map[string]any{
		"log_source":       "KNOWLEDGE_BASE_LOG",
		"trigger_source":   triggerSource,
		"operation":        operation,
		"memory_id":        memoryID,
		"content":          content,
		"original_content": originalContent,
	}
	if sourceDocID != "" {
		rec["source_doc_id"] = sourceDocID
	} else {
		rec["source_doc_id"] = nil
	}
	return rec
}

func firstFileID(item schemas.MemoryItem) string {
	if len(item.Metadata.FileIDs) > 0 {
		return item.Metadata.FileIDs[0]
	}
	return ""
}

func triggerSourceOf(info map[string]any) string {
	if info != nil {
		if v, ok := info["trigger_source"].(string); ok && v != "" {
			return v
		}
	}
	return "Messages"
}

// emitCloud folds adds and updates into a single knowledgeBaseUpdate event
// with per-item ADD/UPDATE records.
func (h *AddHandler) emitCloud(ctx context.Context, msg schemas.Message, addItems []schemas.MemoryItem, updateItems []preparedUpdate) {
	trigger := triggerSourceOf(msg.Info)
	var kbContent []map[string]any
	for _, item := range addItems {
		kbContent = append(kbContent, kbRecord(trigger, "ADD", item.ID, item.Memory, nil, firstFileID(item)))
	}
	for _, upd := range updateItems {
		kbContent = append(kbContent, kbRecord(trigger, "UPDATE", upd.item.ID, upd.item.Memory, upd.originalContent, firstFileID(upd.item)))
	}
	if len(kbContent) == 0 {
		return
	}
	h.ctx.emit(ctx, schemas.WebLogEvent{
		TaskID:            msg.TaskID,
		Label:             weblog.LabelKnowledgeBaseUpdate,
		FromMemoryType:    schemas.UserInputType,
		ToMemoryType:      schemas.LongTermType,
		UserID:            msg.UserID,
		MemCubeID:         msg.MemCubeID,
		LogContent:        fmt.Sprintf("Knowledge Base Memory Update: %d changes.", len(kbContent)),
		MemCubeLogContent: kbContent,
		MemoryLen:         len(kbContent),
		MemCubeName:       h.ctx.MapMemCubeName(msg.MemCubeID),
	})
}

func preview(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
