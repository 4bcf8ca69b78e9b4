package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screamatthewind/novel/pkg/scene"
	"github.com/screamatthewind/novel/pkg/storyboard"
)

func baseAnalysis() *storyboard.Analysis {
	return &storyboard.Analysis{
		SentenceNum:       1,
		CharactersPresent: []string{"Emma"},
		CameraFraming:     "Medium Shot",
		CameraAngle:       "low angle",
		Expressions:       map[string]string{"emma": "determined frown"},
		SpatialContext:    "the factory floor, near the conveyor",
		Mood:              "tense anticipation",
	}
}

func TestStoryboardDetectorFirstSentence(t *testing.T) {
	d := NewStoryboardDetector(nil, nil)
	decision := d.AnalyzeWithStoryboard(&storyboard.Analysis{})
	assert.Equal(t, Decision{Generate: true, Reason: "first_sentence"}, decision)

	_, ok := d.baselineSnapshot()
	assert.False(t, ok)
}

func TestStoryboardDetectorMonotonicReuse(t *testing.T) {
	d := NewStoryboardDetector(nil, nil)
	require.True(t, d.Decide(baseAnalysis()).Generate)
	before, _ := d.baselineSnapshot()

	for i := 0; i < 4; i++ {
		a := baseAnalysis()
		a.SentenceNum = i + 2
		assert.Equal(t, reuse(), d.Decide(a))
	}
	after, _ := d.baselineSnapshot()
	assert.Equal(t, before, after)
}

func TestStoryboardDetectorNormalizesRewording(t *testing.T) {
	d := NewStoryboardDetector(nil, nil)
	d.UpdateStoryboardState(baseAnalysis())

	a := baseAnalysis()
	a.CharactersPresent = []string{"emma", "EMMA"}
	a.CameraFraming = "medium shot"
	a.CameraAngle = "low"
	a.SpatialContext = "Factory floor"
	a.Expressions = map[string]string{"emma": "angry glare"}
	a.Mood = "nervous energy"
	assert.Equal(t, reuse(), d.AnalyzeWithStoryboard(a))
}

func TestStoryboardDetectorPriority(t *testing.T) {
	d := NewStoryboardDetector(nil, nil)
	d.UpdateStoryboardState(baseAnalysis())

	a := baseAnalysis()
	a.SpecialTechniques = []string{"flashback"}
	a.CharactersPresent = []string{"Emma", "Tyler"}
	decision := d.AnalyzeWithStoryboard(a)
	require.True(t, decision.Generate)
	assert.True(t, strings.HasPrefix(decision.Reason, "changed: special_technique: flashback"))
	assert.Contains(t, decision.Reason, "characters")
}

func TestStoryboardDetectorRules(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(a *storyboard.Analysis)
		reason string
	}{
		{"character exit", func(a *storyboard.Analysis) { a.CharactersPresent = nil }, "changed: characters, expression"},
		{"angle", func(a *storyboard.Analysis) { a.CameraAngle = "high angle" }, "changed: angle"},
		{"framing", func(a *storyboard.Analysis) { a.CameraFraming = "close-up" }, "changed: framing"},
		{"location", func(a *storyboard.Analysis) { a.SpatialContext = "break room" }, "changed: location"},
		{"expression bucket", func(a *storyboard.Analysis) { a.Expressions["emma"] = "small smile" }, "changed: expression"},
		{"mood bucket", func(a *storyboard.Analysis) { a.Mood = "quiet and calm" }, "changed: mood"},
		{"angle and mood", func(a *storyboard.Analysis) { a.CameraAngle = "level"; a.Mood = "ominous" }, "changed: angle, mood"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewStoryboardDetector(nil, nil)
			d.UpdateStoryboardState(baseAnalysis())
			a := baseAnalysis()
			tc.mutate(a)
			assert.Equal(t, Decision{Generate: true, Reason: tc.reason}, d.AnalyzeWithStoryboard(a))
		})
	}
}

func TestStoryboardDetectorFallbackAlwaysGenerates(t *testing.T) {
	d := NewStoryboardDetector(nil, nil)
	d.UpdateStoryboardState(storyboard.FallbackAnalysis(scene.Sentence{}, "transport_failure"))

	for i := 0; i < 3; i++ {
		decision := d.Decide(storyboard.FallbackAnalysis(scene.Sentence{SentenceNum: i}, "transport_failure"))
		assert.Equal(t, Decision{Generate: true, Reason: "fallback_analysis"}, decision)
	}
}

func TestStoryboardDetectorReset(t *testing.T) {
	d := NewStoryboardDetector(nil, nil)
	d.UpdateStoryboardState(baseAnalysis())
	d.Reset()
	assert.Equal(t, "first_sentence", d.AnalyzeWithStoryboard(baseAnalysis()).Reason)
}

func TestBuckets(t *testing.T) {
	b := DefaultBuckets()
	assert.Equal(t, "positive", b.ExpressionBucket("Warm smile"))
	assert.Equal(t, "negative", b.ExpressionBucket("furrowed, worried brow"))
	assert.Equal(t, "neutral", b.ExpressionBucket("blank stare"))
	assert.Equal(t, "neutral", b.ExpressionBucket(""))

	assert.Equal(t, "tense", b.MoodBucket("tense anticipation"))
	assert.Equal(t, "dark", b.MoodBucket("Ominous"))
	assert.Equal(t, "hopeful", b.MoodBucket("hopeful dawn"))
	assert.Equal(t, "calm", b.MoodBucket("serene morning"))
	assert.Equal(t, "neutral", b.MoodBucket("matter-of-fact"))
}

func TestBucketsNegatedForms(t *testing.T) {
	b := DefaultBuckets()
	assert.Equal(t, "negative", b.ExpressionBucket("unhappy"))
	assert.Equal(t, "negative", b.ExpressionBucket("discontent scowl"))
	assert.Equal(t, "negative", b.ExpressionBucket("discontented"))
	assert.Equal(t, "negative", b.ExpressionBucket("not happy at all"))
	assert.Equal(t, "positive", b.ExpressionBucket("fearless"))
	assert.Equal(t, "positive", b.ExpressionBucket("contented sigh"))

	assert.Equal(t, "dark", b.MoodBucket("hopeless"))
	assert.Equal(t, "dark", b.MoodBucket("Hopeless despair"))
	assert.Equal(t, "hopeful", b.MoodBucket("hopeful"))
	assert.Equal(t, "neutral", b.MoodBucket("intense focus"))
	assert.Equal(t, "tense", b.MoodBucket("never calm"))
}

func TestStoryboardDetectorNegatedExpressionAndMood(t *testing.T) {
	d := NewStoryboardDetector(nil, nil)
	a := baseAnalysis()
	a.Expressions = map[string]string{"emma": "happy"}
	a.Mood = "hopeful"
	require.True(t, d.Decide(a).Generate)

	next := baseAnalysis()
	next.SentenceNum = 2
	next.Expressions = map[string]string{"emma": "unhappy"}
	next.Mood = "hopeless"
	decision := d.Decide(next)
	assert.True(t, decision.Generate)
	assert.Contains(t, decision.Reason, "expression")
	assert.Contains(t, decision.Reason, "mood")
}
