package storyboard

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screamatthewind/novel/pkg/scene"
)

func TestExtractJSON(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```":          `{"a":1}`,
		"Here you go:\n```\n{\"a\":2}\n```": `{"a":2}`,
		"  {\"a\":3}  ":                     `{"a":3}`,
	}
	for in, want := range cases {
		assert.Equal(t, want, extractJSON(in))
	}
}

func TestParseAnalysisDefaults(t *testing.T) {
	s := scene.Sentence{ChapterNum: 2, SceneNum: 1, SentenceNum: 5, Content: "The lab was quiet."}
	a, skipped, err := parseAnalysis(`{"characters_present": [], "mood": "calm"}`, s, TokenUsage{Input: 1, Output: 2})
	require.NoError(t, err)
	assert.Empty(t, skipped)

	assert.Equal(t, DefaultFraming, a.CameraFraming)
	assert.Equal(t, DefaultAngle, a.CameraAngle)
	assert.Equal(t, 1.0, a.Confidence)
	assert.Equal(t, 2, a.ChapterNum)
	assert.Equal(t, 5, a.SentenceNum)
	assert.Equal(t, "The lab was quiet.", a.SentenceContent)
	assert.NotNil(t, a.Expressions)
	assert.NotNil(t, a.AttributeChanges)
	assert.Nil(t, a.Movement)
	assert.Equal(t, "", a.MovementText())
	assert.Equal(t, "", a.PrimaryCharacter())
}

func TestParseAnalysisSkipsBadChange(t *testing.T) {
	text := `{
	  "characters_present": ["tyler"],
	  "movement": "walks to the door",
	  "attribute_changes": [
	    {"character_name": "Tyler", "attribute_type": "clothing", "new_state": "hoodie", "confidence": 0.9},
	    {"character_name": "tyler", "confidence": "high"}
	  ]
	}`
	a, skipped, err := parseAnalysis(text, scene.Sentence{}, TokenUsage{})
	require.NoError(t, err)
	assert.Len(t, skipped, 1)
	require.Len(t, a.AttributeChanges, 1)
	assert.Equal(t, "tyler", a.AttributeChanges[0].CharacterName)
	assert.Equal(t, "walks to the door", a.MovementText())
	assert.Equal(t, "tyler", a.PrimaryCharacter())
}

func TestParseAnalysisInvalid(t *testing.T) {
	_, _, err := parseAnalysis("not json at all", scene.Sentence{}, TokenUsage{})
	assert.ErrorIs(t, err, ErrParse)
}

func TestCacheKey(t *testing.T) {
	s := scene.Sentence{ChapterNum: 1, SceneNum: 2, SentenceNum: 3, Content: "hello"}
	// md5("hello") = 5d41402abc4b2a76b9719d911017c592
	assert.Equal(t, "ch01_sc02_s003_5d41402a", CacheKey(s))
	assert.True(t, strings.HasPrefix(CacheKey(s), ChapterPrefix(1)))

	s.Content = "hello!"
	assert.NotEqual(t, "ch01_sc02_s003_5d41402a", CacheKey(s))
}

func TestBuildUserPromptTruncatesContext(t *testing.T) {
	s := scene.Sentence{Content: "She ran.", SceneContext: strings.Repeat("é", 400)}
	p := BuildUserPrompt(s, "Emma: dark hair", "This is the first sentence in the scene.")

	assert.Contains(t, p, `SENTENCE: "She ran."`)
	assert.Contains(t, p, "CHARACTER CONTEXT:\nEmma: dark hair")
	assert.Contains(t, p, "CONTINUITY FROM PREVIOUS:\nThis is the first sentence in the scene.")
	assert.Contains(t, p, strings.Repeat("é", 250)+"...")
	assert.NotContains(t, p, strings.Repeat("é", 251))
}

func TestFallbackAnalysis(t *testing.T) {
	a := FallbackAnalysis(scene.Sentence{ChapterNum: 1, Content: "x"}, "transport_failure")
	assert.True(t, a.Fallback)
	assert.Equal(t, "medium shot", a.CameraFraming)
	assert.Equal(t, "level", a.CameraAngle)
	assert.Zero(t, a.Confidence)
	assert.Empty(t, a.AttributeChanges)
}

func TestParseAnalysisRejectsOutOfRangeConfidence(t *testing.T) {
	text := `{
	  "characters_present": ["emma"],
	  "confidence": 1.5,
	  "attribute_changes": [
	    {"character_name": "emma", "attribute_type": "hair", "new_state": "tied back", "confidence": 80},
	    {"character_name": "emma", "attribute_type": "hair", "new_state": "loose", "confidence": -0.2},
	    {"character_name": "emma", "attribute_type": "clothing", "new_state": "raincoat", "confidence": 1}
	  ]
	}`
	a, skipped, err := parseAnalysis(text, scene.Sentence{}, TokenUsage{})
	require.NoError(t, err)
	assert.Len(t, skipped, 3)
	assert.Zero(t, a.Confidence)
	require.Len(t, a.AttributeChanges, 1)
	assert.Equal(t, "raincoat", a.AttributeChanges[0].NewState)
}
