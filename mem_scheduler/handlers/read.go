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

const readerConcurrency = 8

// MemReadHandler turns fast/raw memory ids from the ingestion path into
// enriched long-term items via the external fine-transfer reader, then
// cleans up the raw originals. Failures mid-way still emit a failed log
// event so callers see progress.
type MemReadHandler struct {
	ctx *Context
	log zerolog.Logger
}

func NewMemReadHandler(c *Context) *MemReadHandler {
	return &MemReadHandler{ctx: c, log: logx.WithComponent("mem-read-handler")}
}

func (h *MemReadHandler) Label() string { return schemas.LabelMemRead }

func (h *MemReadHandler) Handle(ctx context.Context, msgs []schemas.Message) error {
	forEachConcurrent(ctx, h.log, msgs, readerConcurrency, h.processMessage)
	return nil
}

func (h *MemReadHandler) processMessage(ctx context.Context, msg schemas.Message) error {
	if h.ctx.Idem != nil && !h.ctx.Idem.FirstDelivery(ctx, "mem_read:"+msg.ItemID) {
		h.log.Info().Str("item_id", msg.ItemID).Msg("duplicate mem_read delivery skipped")
		return nil
	}

	cube := h.ctx.Cube(msg.MemCubeID)
	if cube == nil || cube.TextMem == nil {
		return fmt.Errorf("mem-cube %s not registered", msg.MemCubeID)
	}

	var memIDs []string
	if err := json.Unmarshal([]byte(msg.Content), &memIDs); err != nil {
		return fmt.Errorf("mem_read content is not a JSON id list: %w", err)
	}
	if len(memIDs) == 0 {
		return nil
	}
	h.log.Info().Str("user_id", msg.UserID).Str("mem_cube_id", msg.MemCubeID).
		Strs("mem_ids", memIDs).Msg("processing mem_read")

	if err := h.processWithReader(ctx, msg, cube, memIDs); err != nil {
		h.emitFailure(ctx, msg, memIDs, err)
		return err
	}
	return nil
}

func (h *MemReadHandler) processWithReader(ctx context.Context, msg schemas.Message, cube *memcube.MemCube, memIDs []string) error {
	reader := h.ctx.MemReader
	if reader == nil {
		h.log.Warn().Msg("mem reader not available, skipping enhanced processing")
		return nil
	}
	userName := msg.UserName
	if userName == "" {
		userName = msg.MemCubeID
	}

	var items []schemas.MemoryItem
	for _, memID := range memIDs {
		item, err := cube.TextMem.Get(ctx, memID, userName)
		if err != nil || item == nil {
			h.log.Warn().Err(err).Str("memory_id", memID).Msg("failed to get raw memory")
			continue
		}
		items = append(items, *item)
	}
	if len(items) == 0 {
		h.log.Warn().Msg("no valid memory items found for processing")
		return nil
	}

	bindingsToDelete := extractWorkingBindingIDs(items)

	processed, err := reader.FineTransfer(ctx, items, memcube.FineTransferOptions{
		Type:        "chat",
		CustomTags:  customTagsOf(msg.Info),
		UserName:    userName,
		ChatHistory: msg.ChatHistory,
		UserContext: msg.UserContext,
	})
	if err != nil {
		h.log.Warn().Err(err).Int("items", len(items)).Msg("fine transfer failed")
		processed = nil
	}

	var flattened []schemas.MemoryItem
	for _, group := range processed {
		flattened = append(flattened, group...)
	}

	if len(flattened) > 0 {
		var enhanced, rawFiles []schemas.MemoryItem
		for _, item := range flattened {
			if item.Metadata.MemoryType == schemas.RawFileMemory {
				rawFiles = append(rawFiles, item)
			} else {
				enhanced = append(enhanced, item)
			}
		}

		enhancedIDs, err := cube.TextMem.Add(ctx, enhanced, userName)
		if err != nil {
			return fmt.Errorf("add enhanced memories: %w", err)
		}
		h.log.Info().Strs("enhanced_ids", enhancedIDs).Msg("added enhanced memories")

		if reader.SaveRawFile() && len(rawFiles) > 0 {
			if err := cube.TextMem.AddRawFileNodes(ctx, rawFiles, enhancedIDs, msg.UserID, userName); err != nil {
				h.log.Warn().Err(err).Msg("failed to add raw-file nodes and edges")
			} else {
				h.log.Info().Int("raw_files", len(rawFiles)).Msg("added raw-file memories")
			}
		}

		h.archiveMergedFrom(ctx, cube, enhanced, userName)
		h.emitSuccess(ctx, msg, enhanced, enhancedIDs, flattened)
	} else {
		h.log.Info().Msg("mem reader produced no processed memories")
	}

	deleteIDs := append([]string{}, memIDs...)
	deleteIDs = append(deleteIDs, bindingsToDelete...)
	deleteIDs = dedupeStrings(deleteIDs)
	if len(deleteIDs) > 0 {
		if err := cube.TextMem.Delete(ctx, deleteIDs, userName); err != nil {
			h.log.Warn().Err(err).Strs("delete_ids", deleteIDs).Msg("failed to delete raw/working ids")
		} else {
			h.log.Info().Strs("delete_ids", deleteIDs).Msg("deleted raw and working-binding ids")
		}
	}

	if err := cube.TextMem.RemoveAndRefresh(ctx, userName); err != nil {
		h.log.Warn().Err(err).Msg("remove-and-refresh failed")
	}
	return nil
}

// archiveMergedFrom archives every item listed in a new item's merged_from
// metadata. Per-item failures are logged and the batch continues.
func (h *MemReadHandler) archiveMergedFrom(ctx context.Context, cube *memcube.MemCube, enhanced []schemas.MemoryItem, userName string) {
	if cube.Graph == nil {
		for _, item := range enhanced {
			if len(item.Metadata.MergedFrom) > 0 {
				h.log.Warn().Msg("merged_from provided but graph store is unavailable, skip archiving")
				return
			}
		}
		return
	}
	for _, item := range enhanced {
		for _, oldID := range item.Metadata.MergedFrom {
			if err := cube.Graph.UpdateNode(ctx, oldID, map[string]any{"status": string(schemas.StatusArchived)}, userName); err != nil {
				h.log.Warn().Err(err).Str("memory_id", oldID).Msg("failed to archive merged_from memory")
				continue
			}
			h.log.Info().Str("memory_id", oldID).Msg("archived merged_from memory")
		}
	}
}

func (h *MemReadHandler) emitSuccess(ctx context.Context, msg schemas.Message, enhanced []schemas.MemoryItem, enhancedIDs []string, all []schemas.MemoryItem) {
	if h.ctx.CloudEnv {
		trigger := triggerSourceOf(msg.Info)
		var kbContent []map[string]any
		for _, item := range all {
			kbContent = append(kbContent, kbRecord(trigger, "ADD", item.ID, item.Memory, nil, firstFileID(item)))
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
		return
	}

	var contents, metas []map[string]any
	for i, item := range enhanced {
		refID := item.ID
		if i < len(enhancedIDs) {
			refID = enhancedIDs[i]
		}
		c, m := itemLegacyContent(item, refID)
		contents = append(contents, c)
		metas = append(metas, m)
	}
	if len(contents) == 0 {
		return
	}
	h.ctx.emit(ctx, schemas.WebLogEvent{
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

func (h *MemReadHandler) emitFailure(ctx context.Context, msg schemas.Message, memIDs []string, cause error) {
	trigger := triggerSourceOf(msg.Info)
	var kbContent []map[string]any
	for _, memID := range memIDs {
		kbContent = append(kbContent, kbRecord(trigger, "ADD", memID, "", nil, ""))
	}
	h.ctx.emit(ctx, schemas.WebLogEvent{
		TaskID:            msg.TaskID,
		Label:             weblog.LabelKnowledgeBaseUpdate,
		FromMemoryType:    schemas.UserInputType,
		ToMemoryType:      schemas.LongTermType,
		UserID:            msg.UserID,
		MemCubeID:         msg.MemCubeID,
		LogContent:        fmt.Sprintf("Knowledge Base Memory Update failed: %v", cause),
		MemCubeLogContent: kbContent,
		MemoryLen:         len(kbContent),
		MemCubeName:       h.ctx.MapMemCubeName(msg.MemCubeID),
		Status:            "failed",
	})
}

// extractWorkingBindingIDs collects working-binding ids recorded in raw item
// metadata by the ingestion path.
func extractWorkingBindingIDs(items []schemas.MemoryItem) []string {
	var out []string
	for _, item := range items {
		if item.Metadata.Info == nil {
			continue
		}
		raw, ok := item.Metadata.Info["working_binding_ids"]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case []string:
			out = append(out, v...)
		case []any:
			for _, e := range v {
				if s, ok := e.(string); ok {
					out = append(out, s)
				}
			}
		case string:
			out = append(out, v)
		}
	}
	return out
}

func customTagsOf(info map[string]any) []string {
	if info == nil {
		return nil
	}
	switch v := info["custom_tags"].(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func dedupeStrings(xs []string) []string {
	seen := make(map[string]struct{}, len(xs))
	var out []string
	for _, x := range xs {
		if _, ok := seen[x]; ok {
			continue
		}
		seen[x] = struct{}{}
		out = append(out, x)
	}
	return out
}
