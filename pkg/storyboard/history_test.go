package storyboard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/screamatthewind/novel/pkg/attributes"
)

func TestSceneVisualHistory(t *testing.T) {
	h := NewSceneVisualHistory()
	assert.Equal(t, "This is the first sentence in the scene.", h.ContinuityContext(nil))

	h.Update(&Analysis{}, nil)
	assert.Equal(t, "No previous context.", h.ContinuityContext(nil))

	h.Update(&Analysis{
		CharactersPresent: []string{"Emma", "Tyler"},
		CameraFraming:     "two-shot",
		SpatialContext:    "conference room",
		Props:             []string{"laptop", "coffee"},
		Mood:              "tense",
	}, nil)
	assert.Equal(t,
		"Current characters: Emma, Tyler | Current framing: two-shot | Location: conference room | Visible props: laptop, coffee",
		h.ContinuityContext(nil))
	assert.Equal(t, 2, h.Len())
	assert.Equal(t, "tense", h.lastMood())

	h.Reset()
	assert.Equal(t, 0, h.Len())
	assert.Equal(t, "This is the first sentence in the scene.", h.ContinuityContext(nil))
}

func TestSceneVisualHistoryAttributes(t *testing.T) {
	m := attributes.NewManager(zap.NewNop(), attributes.DefaultRoster(), 1)
	h := NewSceneVisualHistory()

	h.Update(&Analysis{CharactersPresent: []string{"Emma", "stranger"}, CameraFraming: "close-up"}, m)
	emma, _ := m.GetCurrentAttributes("emma")
	ctx := h.ContinuityContext(m)
	assert.Contains(t, ctx, "Character attributes: Emma: "+emma.ToCompressedString(15))
	assert.NotContains(t, ctx, "stranger:")

	// 没有传入 manager 时不输出属性
	assert.NotContains(t, h.ContinuityContext(nil), "Character attributes")
}
