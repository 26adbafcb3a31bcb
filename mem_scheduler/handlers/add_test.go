package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memstack/memgos/mem_scheduler/schemas"
	"github.com/memstack/memgos/mem_scheduler/weblog"
)

// Scenario: the graph already holds a node with the same (key, memory_type),
// so the incoming id takes the update path with the original content carried
// in metadata.
func TestAddWithDuplicateKeyTakesUpdatePath(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{}, &scriptedLLM{}, 10)

	original := memItem("orig-1", "favfruit is apples", schemas.UserMemory)
	incoming := memItem("m1", "favfruit is durian now", schemas.UserMemory)
	incoming.Metadata.Key = "favfruit"
	original.Metadata.Key = "favfruit"
	env.textMem.store["orig-1"] = original
	env.textMem.store["m1"] = incoming
	env.graph.byKeyType["favfruit|UserMemory"] = []string{"orig-1"}

	handler := NewAddHandler(env.ctx)
	err := handler.Handle(context.Background(), []schemas.Message{{
		ItemID: "a-1", TaskID: "task-1", UserID: "u1", MemCubeID: "c1",
		Label: schemas.LabelAdd, Content: `["m1"]`,
	}})
	require.NoError(t, err)

	events := env.plane.GetWebLogMessages()
	require.Len(t, events, 1, "duplicate key yields only an updateMemory event")
	ev := events[0]
	assert.Equal(t, weblog.LabelUpdateMemory, ev.Label)
	require.Len(t, ev.Metadata, 1)
	assert.Equal(t, "favfruit is apples", ev.Metadata[0]["original_content"])
	assert.Equal(t, "orig-1", ev.Metadata[0]["ref_id"])
}

func TestAddWithNewKeyTakesAddPath(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{}, &scriptedLLM{}, 10)
	env.textMem.store["m1"] = memItem("m1", "brand new memory text", schemas.UserMemory)

	handler := NewAddHandler(env.ctx)
	err := handler.Handle(context.Background(), []schemas.Message{{
		ItemID: "a-1", UserID: "u1", MemCubeID: "c1",
		Label: schemas.LabelAdd, Content: `["m1"]`,
	}})
	require.NoError(t, err)

	events := env.plane.GetWebLogMessages()
	require.Len(t, events, 1)
	assert.Equal(t, weblog.LabelAddMemory, events[0].Label)
	assert.Equal(t, 1, events[0].MemoryLen)
}

// Missing ids are logged, not fatal: the present id still produces its event.
func TestAddMissingIDsAreNotFatal(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{}, &scriptedLLM{}, 10)
	env.textMem.store["m1"] = memItem("m1", "surviving memory text", schemas.UserMemory)

	handler := NewAddHandler(env.ctx)
	err := handler.Handle(context.Background(), []schemas.Message{{
		ItemID: "a-1", UserID: "u1", MemCubeID: "c1",
		Label: schemas.LabelAdd, Content: `["ghost-id", "m1"]`,
	}})
	require.NoError(t, err)

	events := env.plane.GetWebLogMessages()
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].MemoryLen)
}

// Cloud mode folds adds and updates into one knowledgeBaseUpdate event.
func TestAddCloudModeFoldsIntoKnowledgeBaseUpdate(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{}, &scriptedLLM{}, 10)
	env.ctx.CloudEnv = true

	original := memItem("orig-1", "favfruit is apples", schemas.UserMemory)
	original.Metadata.Key = "favfruit"
	dup := memItem("m1", "favfruit is durian now", schemas.UserMemory)
	dup.Metadata.Key = "favfruit"
	fresh := memItem("m2", "entirely new memory text", schemas.UserMemory)
	env.textMem.store["orig-1"] = original
	env.textMem.store["m1"] = dup
	env.textMem.store["m2"] = fresh
	env.graph.byKeyType["favfruit|UserMemory"] = []string{"orig-1"}

	handler := NewAddHandler(env.ctx)
	err := handler.Handle(context.Background(), []schemas.Message{{
		ItemID: "a-1", UserID: "u1", MemCubeID: "c1",
		Label: schemas.LabelAdd, Content: `["m1", "m2"]`,
	}})
	require.NoError(t, err)

	events := env.plane.GetWebLogMessages()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, weblog.LabelKnowledgeBaseUpdate, ev.Label)
	require.Len(t, ev.MemCubeLogContent, 2)

	ops := map[string]string{}
	for _, rec := range ev.MemCubeLogContent {
		id, _ := rec["memory_id"].(string)
		op, _ := rec["operation"].(string)
		ops[id] = op
	}
	assert.Equal(t, "UPDATE", ops["m1"])
	assert.Equal(t, "ADD", ops["m2"])
}
