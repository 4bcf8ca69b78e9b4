package storyboard

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/screamatthewind/novel/pkg/scene"
)

// extractJSON 去掉模型输出外层的 markdown 代码块
func extractJSON(text string) string {
	if _, after, ok := strings.Cut(text, "```json"); ok {
		body, _, _ := strings.Cut(after, "```")
		return strings.TrimSpace(body)
	}
	if _, after, ok := strings.Cut(text, "```"); ok {
		body, _, _ := strings.Cut(after, "```")
		return strings.TrimSpace(body)
	}
	return strings.TrimSpace(text)
}

// rawAnalysis 模型返回的 JSON。指针字段用来区分缺失与零值。
type rawAnalysis struct {
	CharactersPresent      []string          `json:"characters_present"`
	CharacterRoles         map[string]string `json:"character_roles"`
	CameraFraming          *string           `json:"camera_framing"`
	CameraAngle            *string           `json:"camera_angle"`
	CameraMovement         *string           `json:"camera_movement"`
	Composition            string            `json:"composition"`
	VisualFocus            string            `json:"visual_focus"`
	DepthCues              string            `json:"depth_cues"`
	Expressions            map[string]string `json:"expressions"`
	BodyLanguage           map[string]string `json:"body_language"`
	Movement               *string           `json:"movement"`
	Props                  []string          `json:"props"`
	ClothingState          *string           `json:"clothing_state"`
	SpatialContext         string            `json:"spatial_context"`
	SpecialTechniques      []string          `json:"special_techniques"`
	Mood                   string            `json:"mood"`
	Tone                   string            `json:"tone"`
	LightingSuggestion     string            `json:"lighting_suggestion"`
	ContinuityFromPrevious *string           `json:"continuity_from_previous"`
	ContinuityToNext       *string           `json:"continuity_to_next"`
	Confidence             *float64          `json:"confidence"`
	AttributeChanges       []json.RawMessage `json:"attribute_changes"`
}

// parseAnalysis 把模型文本解析为 Analysis。失败时返回包装了 ErrParse 的错误。
func parseAnalysis(text string, s scene.Sentence, usage TokenUsage) (*Analysis, []error, error) {
	var raw rawAnalysis
	if err := json.Unmarshal([]byte(extractJSON(text)), &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	a := &Analysis{
		ChapterNum:             s.ChapterNum,
		SceneNum:               s.SceneNum,
		SentenceNum:            s.SentenceNum,
		SentenceContent:        s.Content,
		CharactersPresent:      raw.CharactersPresent,
		CharacterRoles:         raw.CharacterRoles,
		CameraFraming:          DefaultFraming,
		CameraAngle:            DefaultAngle,
		CameraMovement:         raw.CameraMovement,
		Composition:            raw.Composition,
		VisualFocus:            raw.VisualFocus,
		DepthCues:              raw.DepthCues,
		Expressions:            raw.Expressions,
		BodyLanguage:           raw.BodyLanguage,
		Movement:               raw.Movement,
		Props:                  raw.Props,
		ClothingState:          raw.ClothingState,
		SpatialContext:         raw.SpatialContext,
		SpecialTechniques:      raw.SpecialTechniques,
		Mood:                   raw.Mood,
		Tone:                   raw.Tone,
		LightingSuggestion:     raw.LightingSuggestion,
		ContinuityFromPrevious: raw.ContinuityFromPrevious,
		ContinuityToNext:       raw.ContinuityToNext,
		Confidence:             1.0,
		AnalysisTimestamp:      time.Now(),
		APITokens:              usage,
	}
	if raw.CameraFraming != nil {
		a.CameraFraming = *raw.CameraFraming
	}
	if raw.CameraAngle != nil {
		a.CameraAngle = *raw.CameraAngle
	}
	// 单条变更解析失败只跳过该条
	var skipped []error
	if raw.Confidence != nil {
		if validConfidence(*raw.Confidence) {
			a.Confidence = *raw.Confidence
		} else {
			a.Confidence = 0
			skipped = append(skipped, fmt.Errorf("分析置信度超出 [0,1]: %v", *raw.Confidence))
		}
	}

	for _, rc := range raw.AttributeChanges {
		var c ProposedChange
		if err := json.Unmarshal(rc, &c); err != nil {
			skipped = append(skipped, err)
			continue
		}
		if !validConfidence(c.Confidence) {
			skipped = append(skipped, fmt.Errorf("属性变更置信度超出 [0,1]: %s %s %v", c.CharacterName, c.AttributeType, c.Confidence))
			continue
		}
		c.CharacterName = strings.ToLower(c.CharacterName)
		a.AttributeChanges = append(a.AttributeChanges, c)
	}

	a.normalize()
	return a, skipped, nil
}

// validConfidence 置信度必须落在 [0,1]，NaN 也不合法
func validConfidence(v float64) bool {
	return v >= 0 && v <= 1
}
