package storyboard

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/screamatthewind/novel/pkg/scene"
)

// ProposedChange 模型提出的一次角色属性变更，是否采纳取决于置信度
type ProposedChange struct {
	CharacterName   string  `json:"character_name"`
	AttributeType   string  `json:"attribute_type"`
	OldState        string  `json:"old_state"`
	NewState        string  `json:"new_state"`
	ExplicitMention string  `json:"explicit_mention"`
	Confidence      float64 `json:"confidence"`
}

// TokenUsage 单次分析消耗的 token
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Analysis 一句话的分镜分析。写入缓存后不再修改，除非显式清理或重建缓存。
type Analysis struct {
	ChapterNum      int    `json:"chapter_num"`
	SceneNum        int    `json:"scene_num"`
	SentenceNum     int    `json:"sentence_num"`
	SentenceContent string `json:"sentence_content"`

	CharactersPresent []string          `json:"characters_present"`
	CharacterRoles    map[string]string `json:"character_roles"`

	CameraFraming  string  `json:"camera_framing"`
	CameraAngle    string  `json:"camera_angle"`
	CameraMovement *string `json:"camera_movement"`

	Composition string `json:"composition"`
	VisualFocus string `json:"visual_focus"`
	DepthCues   string `json:"depth_cues"`

	Expressions  map[string]string `json:"expressions"`
	BodyLanguage map[string]string `json:"body_language"`
	Movement     *string           `json:"movement"`

	Props          []string `json:"props"`
	ClothingState  *string  `json:"clothing_state"`
	SpatialContext string   `json:"spatial_context"`

	SpecialTechniques []string `json:"special_techniques"`

	Mood               string `json:"mood"`
	Tone               string `json:"tone"`
	LightingSuggestion string `json:"lighting_suggestion"`

	ContinuityFromPrevious *string `json:"continuity_from_previous"`
	ContinuityToNext       *string `json:"continuity_to_next"`

	Confidence        float64          `json:"confidence"`
	AnalysisTimestamp time.Time        `json:"analysis_timestamp"`
	APITokens         TokenUsage       `json:"api_tokens"`
	AttributeChanges  []ProposedChange `json:"attribute_changes"`

	// Fallback 为 true 表示后端失败后生成的低置信度默认分析，不会写入缓存
	Fallback       bool   `json:"fallback,omitempty"`
	FallbackReason string `json:"fallback_reason,omitempty"`
}

const (
	DefaultFraming = "medium shot"
	DefaultAngle   = "level"
)

// MovementText 动作描述，未提供时为空串
func (a *Analysis) MovementText() string {
	if a.Movement == nil {
		return ""
	}
	return *a.Movement
}

// PrimaryCharacter 第一个出场角色，没有时返回空串
func (a *Analysis) PrimaryCharacter() string {
	if len(a.CharactersPresent) == 0 {
		return ""
	}
	return a.CharactersPresent[0]
}

func (a *Analysis) normalize() {
	if a.CharactersPresent == nil {
		a.CharactersPresent = []string{}
	}
	if a.CharacterRoles == nil {
		a.CharacterRoles = map[string]string{}
	}
	if a.Expressions == nil {
		a.Expressions = map[string]string{}
	}
	if a.BodyLanguage == nil {
		a.BodyLanguage = map[string]string{}
	}
	if a.Props == nil {
		a.Props = []string{}
	}
	if a.SpecialTechniques == nil {
		a.SpecialTechniques = []string{}
	}
	if a.AttributeChanges == nil {
		a.AttributeChanges = []ProposedChange{}
	}
}

// FallbackAnalysis 后端不可用或输出无法解析时使用的最小分析
func FallbackAnalysis(s scene.Sentence, reason string) *Analysis {
	a := &Analysis{
		ChapterNum:        s.ChapterNum,
		SceneNum:          s.SceneNum,
		SentenceNum:       s.SentenceNum,
		SentenceContent:   s.Content,
		CameraFraming:     DefaultFraming,
		CameraAngle:       DefaultAngle,
		Confidence:        0.0,
		AnalysisTimestamp: time.Now(),
		Fallback:          true,
		FallbackReason:    reason,
	}
	a.normalize()
	return a
}

// CacheKey 由位置与文本 MD5 前 8 位组成，文本变化时键随之变化
func CacheKey(s scene.Sentence) string {
	sum := md5.Sum([]byte(s.Content))
	return fmt.Sprintf("ch%02d_sc%02d_s%03d_%s", s.ChapterNum, s.SceneNum, s.SentenceNum, hex.EncodeToString(sum[:])[:8])
}

// ChapterPrefix 某章节所有缓存键的公共前缀
func ChapterPrefix(chapterNum int) string {
	return fmt.Sprintf("ch%02d_", chapterNum)
}
