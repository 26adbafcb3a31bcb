package schemas

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeTextKey(t *testing.T) {
	assert.Equal(t, "hello world", NormalizeTextKey("  Hello,   World!  "))
	assert.Equal(t, "a b c", NormalizeTextKey("A\tB\nC"))
	assert.Equal(t, "", NormalizeTextKey("!!! ..."))
	assert.Equal(t, NormalizeTextKey("My favorite fruit"), NormalizeTextKey("my FAVORITE fruit."))
}

func TestIsAllEnglish(t *testing.T) {
	assert.True(t, IsAllEnglish("tell me about d"))
	assert.False(t, IsAllEnglish("你好 world"))
}

func TestGroupByUserCubeLabel(t *testing.T) {
	msgs := []Message{
		{UserID: "u1", MemCubeID: "c1", Label: LabelQuery, ItemID: "1"},
		{UserID: "u1", MemCubeID: "c1", Label: LabelQuery, ItemID: "2"},
		{UserID: "u2", MemCubeID: "c1", Label: LabelQuery, ItemID: "3"},
		{UserID: "u1", MemCubeID: "c1", Label: LabelAnswer, ItemID: "4"},
	}
	groups := GroupByUserCubeLabel(msgs)
	assert.Len(t, groups, 3)

	key := GroupKey{UserID: "u1", MemCubeID: "c1", Label: LabelQuery}
	assert.Len(t, groups[key], 2)
	// Relative order inside a group follows submission order.
	assert.Equal(t, "1", groups[key][0].ItemID)
	assert.Equal(t, "2", groups[key][1].ItemID)
}
