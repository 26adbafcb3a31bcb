package handlers

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/memstack/memgos/mem_scheduler/logx"
	"github.com/memstack/memgos/mem_scheduler/schemas"
)

// AnswerHandler records assistant answers in the conversation log for
// traceability. Symmetric to QueryHandler without the derived update.
type AnswerHandler struct {
	ctx *Context
	log zerolog.Logger
}

func NewAnswerHandler(c *Context) *AnswerHandler {
	return &AnswerHandler{ctx: c, log: logx.WithComponent("answer-handler")}
}

func (h *AnswerHandler) Label() string { return schemas.LabelAnswer }

func (h *AnswerHandler) Handle(ctx context.Context, msgs []schemas.Message) error {
	return processGrouped(ctx, h.log, msgs, h.batchHandler)
}

func (h *AnswerHandler) batchHandler(ctx context.Context, _, _ string, batch []schemas.Message) error {
	for _, msg := range batch {
		h.ctx.emit(ctx, schemas.WebLogEvent{
			TaskID:         msg.TaskID,
			Label:          schemas.LabelAnswer,
			FromMemoryType: schemas.UserInputType,
			ToMemoryType:   schemas.NotApplicableType,
			UserID:         msg.UserID,
			MemCubeID:      msg.MemCubeID,
			MemCubeLogContent: []map[string]any{{
				"content": fmt.Sprintf("[Assistant] %s", msg.Content),
				"ref_id":  msg.ItemID,
				"role":    "assistant",
			}},
			Metadata:    []map[string]any{},
			MemoryLen:   1,
			MemCubeName: h.ctx.MapMemCubeName(msg.MemCubeID),
		})
	}
	return nil
}
