package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/screamatthewind/novel/pkg/keywords"
	"github.com/screamatthewind/novel/pkg/scene"
)

const factoryScene = "Emma stared at her tablet in the factory. The machines hummed around her. The afternoon sun streamed through windows."

func sentence(num int, content, sceneContext string) scene.Sentence {
	return scene.Sentence{ChapterNum: 1, SceneNum: 1, SentenceNum: num, Content: content, SceneContext: sceneContext}
}

func TestKeywordDetectorScenario(t *testing.T) {
	d := NewKeywordDetector(keywords.DefaultTables(), zap.NewNop())

	state, decision := d.Decide(sentence(1, "Emma stared at her tablet in the factory.", factoryScene))
	assert.Equal(t, Decision{Generate: true, Reason: "first_sentence"}, decision)
	assert.Equal(t, KeywordState{
		Character: "emma",
		Setting:   "factory",
		Action:    "observing or watching",
		TimeOfDay: "afternoon",
	}, state)

	// 角色从 emma 变为无名
	state, decision = d.Decide(sentence(2, "The machines hummed around her.", factoryScene))
	assert.True(t, decision.Generate)
	assert.Equal(t, "changed: character", decision.Reason)
	assert.Equal(t, "", state.Character)
	assert.Equal(t, "factory", state.Setting)

	// 只有动作变化时沿用
	_, decision = d.Decide(sentence(3, "She walked to the window.", factoryScene))
	assert.Equal(t, Decision{Generate: false, Reason: "no_significant_change"}, decision)
	assert.Equal(t, "", d.state().Action)

	_, decision = d.Decide(sentence(4, "Tyler entered the factory floor.", "Tyler entered the factory floor. He looked around nervously."))
	assert.True(t, decision.Generate)
	assert.Equal(t, "changed: character, time", decision.Reason)
	assert.Equal(t, "tyler", d.state().Character)
}

func TestKeywordDetectorFirstSentenceRegardlessOfContent(t *testing.T) {
	d := NewKeywordDetector(nil, nil)
	decision := d.NeedsNewImage(KeywordState{})
	assert.Equal(t, Decision{Generate: true, Reason: "first_sentence"}, decision)
}

func TestKeywordDetectorMonotonicReuse(t *testing.T) {
	d := NewKeywordDetector(nil, nil)
	base := KeywordState{Character: "emma", Setting: "office", Action: "reading document or screen", TimeOfDay: "morning"}
	d.UpdateState(base)

	for i := 0; i < 5; i++ {
		assert.Equal(t, reuse(), d.NeedsNewImage(base))
	}
	assert.Equal(t, base, d.state())
}

func TestKeywordDetectorTimeAloneGenerates(t *testing.T) {
	d := NewKeywordDetector(nil, nil)
	d.UpdateState(KeywordState{Character: "emma", Setting: "office", TimeOfDay: "morning"})

	decision := d.NeedsNewImage(KeywordState{Character: "emma", Setting: "office", TimeOfDay: "night"})
	assert.Equal(t, Decision{Generate: true, Reason: "changed: time"}, decision)
}

func TestKeywordDetectorActionSignificance(t *testing.T) {
	cases := []struct {
		name   string
		from   string
		to     string
		expect bool
	}{
		{"static to dynamic", "reading document or screen", "walking or moving", true},
		{"dynamic to static", "in conversation", "observing or watching", true},
		{"static to static", "reading document or screen", "working with equipment or tools", false},
		{"dynamic to dynamic", "walking or moving", "in conversation", false},
		{"same category", "walking or moving", "walking or moving", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewKeywordDetector(nil, nil)
			assert.Equal(t, tc.expect, d.significantActionChange(tc.from, tc.to))
		})
	}
}

func TestKeywordDetectorActionPlusTime(t *testing.T) {
	d := NewKeywordDetector(nil, nil)
	d.UpdateState(KeywordState{Character: "emma", Setting: "office", Action: "reading document or screen", TimeOfDay: "morning"})

	decision := d.NeedsNewImage(KeywordState{Character: "emma", Setting: "office", Action: "walking or moving", TimeOfDay: "evening"})
	assert.Equal(t, Decision{Generate: true, Reason: "changed: action, time"}, decision)
}

func TestKeywordDetectorReset(t *testing.T) {
	d := NewKeywordDetector(nil, nil)
	d.UpdateState(KeywordState{Character: "emma"})
	d.Reset()
	require.Equal(t, KeywordState{}, d.state())
	assert.Equal(t, "first_sentence", d.NeedsNewImage(KeywordState{Character: "emma"}).Reason)
}
