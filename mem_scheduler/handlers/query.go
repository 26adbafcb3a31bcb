package handlers

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/memstack/memgos/mem_scheduler/logx"
	"github.com/memstack/memgos/mem_scheduler/schemas"
)

// QueryHandler records user queries in the conversation log and derives a
// memory_update task per query. Side effect only; no mem-cube mutation.
type QueryHandler struct {
	ctx *Context
	log zerolog.Logger
}

func NewQueryHandler(c *Context) *QueryHandler {
	return &QueryHandler{ctx: c, log: logx.WithComponent("query-handler")}
}

func (h *QueryHandler) Label() string { return schemas.LabelQuery }

func (h *QueryHandler) Handle(ctx context.Context, msgs []schemas.Message) error {
	return processGrouped(ctx, h.log, msgs, h.batchHandler)
}

func (h *QueryHandler) batchHandler(ctx context.Context, userID, memCubeID string, batch []schemas.Message) error {
	var updates []schemas.Message
	for _, msg := range batch {
		h.ctx.emit(ctx, schemas.WebLogEvent{
			TaskID:         msg.TaskID,
			Label:          schemas.LabelQuery,
			FromMemoryType: schemas.UserInputType,
			ToMemoryType:   schemas.NotApplicableType,
			UserID:         msg.UserID,
			MemCubeID:      msg.MemCubeID,
			MemCubeLogContent: []map[string]any{{
				"content": fmt.Sprintf("[User] %s", msg.Content),
				"ref_id":  msg.ItemID,
				"role":    "user",
			}},
			Metadata:    []map[string]any{},
			MemoryLen:   1,
			MemCubeName: h.ctx.MapMemCubeName(msg.MemCubeID),
		})

		updates = append(updates, schemas.Message{
			UserID:      msg.UserID,
			MemCubeID:   msg.MemCubeID,
			SessionID:   msg.SessionID,
			UserName:    msg.UserName,
			Label:       schemas.LabelMemUpdate,
			Content:     msg.Content,
			Info:        msg.Info,
			TaskID:      msg.TaskID,
			TraceID:     msg.TraceID,
			ChatHistory: msg.ChatHistory,
			UserContext: msg.UserContext,
		})
	}
	if len(updates) > 0 {
		if err := h.ctx.Submit(ctx, updates); err != nil {
			return fmt.Errorf("submit derived memory_update messages: %w", err)
		}
	}
	return nil
}
