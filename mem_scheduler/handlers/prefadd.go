package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/memstack/memgos/mem_scheduler/logx"
	"github.com/memstack/memgos/mem_scheduler/schemas"
)

// PrefAddHandler extracts preference memories from a conversation slice and
// stores them through the preference-memory subsystem. Idempotent on item_id.
type PrefAddHandler struct {
	ctx *Context
	log zerolog.Logger
}

func NewPrefAddHandler(c *Context) *PrefAddHandler {
	return &PrefAddHandler{ctx: c, log: logx.WithComponent("pref-add-handler")}
}

func (h *PrefAddHandler) Label() string { return schemas.LabelPrefAdd }

func (h *PrefAddHandler) Handle(ctx context.Context, msgs []schemas.Message) error {
	forEachConcurrent(ctx, h.log, msgs, readerConcurrency, h.processMessage)
	return nil
}

func (h *PrefAddHandler) processMessage(ctx context.Context, msg schemas.Message) error {
	if h.ctx.Idem != nil && !h.ctx.Idem.FirstDelivery(ctx, "pref_add:"+msg.ItemID) {
		h.log.Info().Str("item_id", msg.ItemID).Msg("duplicate pref_add delivery skipped")
		return nil
	}

	cube := h.ctx.Cube(msg.MemCubeID)
	if cube == nil {
		h.log.Warn().Str("mem_cube_id", msg.MemCubeID).Str("user_id", msg.UserID).
			Msg("mem-cube not registered, skipping pref_add")
		return nil
	}
	if cube.PrefMem == nil {
		h.log.Warn().Str("mem_cube_id", msg.MemCubeID).
			Msg("preference memory not initialized, skipping pref_add")
		return nil
	}

	var messagesList []schemas.ChatMessage
	if err := json.Unmarshal([]byte(msg.Content), &messagesList); err != nil {
		return fmt.Errorf("pref_add content is not a JSON messages list: %w", err)
	}

	info := map[string]any{
		"user_id":     msg.UserID,
		"session_id":  msg.SessionID,
		"mem_cube_id": msg.MemCubeID,
	}
	for k, v := range msg.Info {
		info[k] = v
	}

	prefs, err := cube.PrefMem.ExtractPreferences(ctx, messagesList, info, msg.UserContext)
	if err != nil {
		return fmt.Errorf("extract preferences: %w", err)
	}
	prefIDs, err := cube.PrefMem.Add(ctx, prefs)
	if err != nil {
		return fmt.Errorf("add preferences: %w", err)
	}
	h.log.Info().Str("user_id", msg.UserID).Str("mem_cube_id", msg.MemCubeID).
		Strs("pref_ids", prefIDs).Msg("successfully processed and added preferences")
	return nil
}
