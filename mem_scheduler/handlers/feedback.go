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

// FeedbackHandler delegates feedback payloads to the external feedback
// processor and, in cloud mode, translates its add/update records into a
// knowledgeBaseUpdate event.
type FeedbackHandler struct {
	ctx *Context
	log zerolog.Logger
}

func NewFeedbackHandler(c *Context) *FeedbackHandler {
	return &FeedbackHandler{ctx: c, log: logx.WithComponent("feedback-handler")}
}

func (h *FeedbackHandler) Label() string { return schemas.LabelMemFeedback }

func (h *FeedbackHandler) Handle(ctx context.Context, msgs []schemas.Message) error {
	return processGrouped(ctx, h.log, msgs, h.batchHandler)
}

type feedbackPayload struct {
	TaskID             string                `json:"task_id"`
	SessionID          string                `json:"session_id"`
	History            []schemas.ChatMessage `json:"history"`
	RetrievedMemoryIDs []string              `json:"retrieved_memory_ids"`
	FeedbackContent    string                `json:"feedback_content"`
	FeedbackTime       string                `json:"feedback_time"`
	Info               map[string]any        `json:"info"`
}

func (h *FeedbackHandler) batchHandler(ctx context.Context, _, _ string, batch []schemas.Message) error {
	for _, msg := range batch {
		if err := h.processSingle(ctx, msg); err != nil {
			h.log.Error().Err(err).Str("item_id", msg.ItemID).
				Msg("error processing feedback message")
		}
	}
	return nil
}

func (h *FeedbackHandler) processSingle(ctx context.Context, msg schemas.Message) error {
	if h.ctx.Feedback == nil {
		h.log.Warn().Msg("feedback processor not configured, skipping")
		return nil
	}
	var payload feedbackPayload
	if err := json.Unmarshal([]byte(msg.Content), &payload); err != nil {
		return fmt.Errorf("invalid JSON content for feedback message: %w", err)
	}
	taskID := payload.TaskID
	if taskID == "" {
		taskID = msg.TaskID
	}

	result, err := h.ctx.Feedback.ProcessFeedback(ctx, memcube.FeedbackRequest{
		UserID:             msg.UserID,
		UserName:           msg.MemCubeID,
		SessionID:          payload.SessionID,
		ChatHistory:        payload.History,
		RetrievedMemoryIDs: payload.RetrievedMemoryIDs,
		FeedbackContent:    payload.FeedbackContent,
		FeedbackTime:       payload.FeedbackTime,
		TaskID:             taskID,
		Info:               payload.Info,
	})
	if err != nil {
		return fmt.Errorf("process feedback: %w", err)
	}
	h.log.Info().Str("user_id", msg.UserID).Str("mem_cube_id", msg.MemCubeID).
		Msg("successfully processed feedback")

	if !h.ctx.CloudEnv || result == nil {
		return nil
	}

	var kbContent []map[string]any
	for _, rec := range result.Record.Add {
		if rec.ID == "" || rec.Memory == "" {
			h.log.Warn().Str("task_id", taskID).Interface("item", rec).
				Msg("skipping malformed feedback add item")
			continue
		}
		kbContent = append(kbContent, kbRecord("Feedback", "ADD", rec.ID, rec.Memory, nil, rec.SourceDocID))
	}
	for _, rec := range result.Record.Update {
		if rec.ID == "" || rec.Memory == "" {
			h.log.Warn().Str("task_id", taskID).Interface("item", rec).
				Msg("skipping malformed feedback update item")
			continue
		}
		var original any
		if rec.OriginMemory != "" {
			original = rec.OriginMemory
		}
		kbContent = append(kbContent, kbRecord("Feedback", "UPDATE", rec.ID, rec.Memory, original, rec.SourceDocID))
	}
	if len(kbContent) == 0 {
		h.log.Warn().Str("task_id", taskID).Msg("no valid feedback content generated for web log")
		return nil
	}

	h.ctx.emit(ctx, schemas.WebLogEvent{
		TaskID:            taskID,
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
	return nil
}
