package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memstack/memgos/mem_scheduler/memcube"
	"github.com/memstack/memgos/mem_scheduler/schemas"
	"github.com/memstack/memgos/mem_scheduler/weblog"
)

type fakeFeedback struct {
	result *memcube.FeedbackResult
	reqs   []memcube.FeedbackRequest
}

func (f *fakeFeedback) ProcessFeedback(_ context.Context, req memcube.FeedbackRequest) (*memcube.FeedbackResult, error) {
	f.reqs = append(f.reqs, req)
	return f.result, nil
}

// Scenario: feedback records translate into one knowledgeBaseUpdate with
// ADD/UPDATE operations, the update carrying the original content.
func TestFeedbackCloudLog(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{}, &scriptedLLM{}, 10)
	env.ctx.CloudEnv = true
	processor := &fakeFeedback{result: &memcube.FeedbackResult{
		Record: memcube.FeedbackRecord{
			Add:    []memcube.FeedbackItem{{ID: "n1", Memory: "x"}},
			Update: []memcube.FeedbackItem{{ID: "n2", Memory: "y", OriginMemory: "y0"}},
		},
	}}
	env.ctx.Feedback = processor

	handler := NewFeedbackHandler(env.ctx)
	err := handler.Handle(context.Background(), []schemas.Message{{
		ItemID: "f-1", TaskID: "task-9", UserID: "u1", MemCubeID: "c1",
		Label:   schemas.LabelMemFeedback,
		Content: `{"session_id": "s1", "feedback_content": "actually it was y0"}`,
	}})
	require.NoError(t, err)

	require.Len(t, processor.reqs, 1)
	assert.Equal(t, "u1", processor.reqs[0].UserID)
	assert.Equal(t, "c1", processor.reqs[0].UserName)
	assert.Equal(t, "task-9", processor.reqs[0].TaskID)

	events := env.plane.GetWebLogMessages()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, weblog.LabelKnowledgeBaseUpdate, ev.Label)
	require.Len(t, ev.MemCubeLogContent, 2)

	first, second := ev.MemCubeLogContent[0], ev.MemCubeLogContent[1]
	assert.Equal(t, "ADD", first["operation"])
	assert.Equal(t, "n1", first["memory_id"])
	assert.Nil(t, first["original_content"])
	assert.Equal(t, "UPDATE", second["operation"])
	assert.Equal(t, "n2", second["memory_id"])
	assert.Equal(t, "y0", second["original_content"])
}

func TestFeedbackLocalModeSkipsWebLog(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{}, &scriptedLLM{}, 10)
	env.ctx.Feedback = &fakeFeedback{result: &memcube.FeedbackResult{
		Record: memcube.FeedbackRecord{Add: []memcube.FeedbackItem{{ID: "n1", Memory: "x"}}},
	}}

	handler := NewFeedbackHandler(env.ctx)
	err := handler.Handle(context.Background(), []schemas.Message{{
		ItemID: "f-1", UserID: "u1", MemCubeID: "c1",
		Label: schemas.LabelMemFeedback, Content: `{}`,
	}})
	require.NoError(t, err)
	assert.Empty(t, env.plane.GetWebLogMessages())
}

func TestFeedbackMalformedContentIsLoggedNotFatal(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{}, &scriptedLLM{}, 10)
	env.ctx.Feedback = &fakeFeedback{}

	handler := NewFeedbackHandler(env.ctx)
	err := handler.Handle(context.Background(), []schemas.Message{{
		ItemID: "f-1", UserID: "u1", MemCubeID: "c1",
		Label: schemas.LabelMemFeedback, Content: `not json`,
	}})
	assert.NoError(t, err, "feedback handler reports partial failure via logs only")
}
