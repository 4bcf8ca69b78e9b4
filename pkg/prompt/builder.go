// Package prompt 把分镜分析或关键词状态组装成图像提示词，
// 并保证结果不超过文本编码器的 token 上限。
package prompt

import (
	"strings"

	"go.uber.org/zap"

	"github.com/screamatthewind/novel/pkg/attributes"
	"github.com/screamatthewind/novel/pkg/keywords"
	"github.com/screamatthewind/novel/pkg/storyboard"
)

// BaseStyle 所有提示词共用的画风后缀
const BaseStyle = "graphic novel art, detailed linework, cel shading, dramatic lighting"

// NegativePrompt 反向提示词
const NegativePrompt = "photorealistic, photo, photograph, 3d render, blurry, low quality, distorted anatomy, extra limbs, deformed, ugly, oversaturated, watermark, signature, amateur, sketch, unfinished"

const (
	fullDescriptionTokens    = 28
	legacyDescriptionTokens  = 8
	compactDescriptionTokens = 12
	faceOnlyTokens           = 8

	maxCompositionRunes = 50
	maxLocationRunes    = 40
	maxMoodRunes        = 50
)

// Builder 提示词组装器。词表与角色表在创建时注入。
type Builder struct {
	counter TokenCounter
	roster  *attributes.Roster
	tables  *keywords.Tables
	logger  *zap.Logger
}

// NewBuilder 任一依赖为 nil 时使用默认值
func NewBuilder(counter TokenCounter, roster *attributes.Roster, tables *keywords.Tables, logger *zap.Logger) *Builder {
	if counter == nil {
		counter = EstimateCounter{}
	}
	if roster == nil {
		roster = attributes.DefaultRoster()
	}
	if tables == nil {
		tables = keywords.DefaultTables()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{counter: counter, roster: roster, tables: tables, logger: logger}
}

// Fits 提示词是否在 token 上限以内
func (b *Builder) Fits(prompt string) bool {
	return b.counter.Count(prompt) <= MaxTokens
}

// Count 提示词 token 数
func (b *Builder) Count(prompt string) int {
	return b.counter.Count(prompt)
}

func assemble(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ". ") + ". " + BaseStyle
}

// storyboardParts 分镜提示词的各个片段，空串表示缺失
type storyboardParts struct {
	camera     string
	character  string
	expression string
	action     string
	focus      string
	location   string
	mood       string
	moodShort  string
}

func (p storyboardParts) characterWithExpression() string {
	if p.character == "" || p.expression == "" {
		return p.character
	}
	return p.character + ", " + p.expression
}

// Storyboard 根据分镜分析生成提示词。
// 超出上限时依次去掉情绪、动作，再把角色描述压缩为面部+服装或仅面部，
// 最后在余量允许时按表情、动作、焦点、地点、情绪的顺序补回。
// 机位与角色描述始终保留。
func (b *Builder) Storyboard(a *storyboard.Analysis, manager *attributes.Manager) string {
	p, primary := b.storyboardParts(a, manager)

	full := assemble(p.camera, p.characterWithExpression(), p.action, p.focus, p.location, p.mood)
	if b.Fits(full) {
		return full
	}

	noMood := assemble(p.camera, p.characterWithExpression(), p.action, p.focus, p.location)
	if b.Fits(noMood) {
		b.logDegraded(a, "drop_mood", noMood)
		return noMood
	}

	noAction := assemble(p.camera, p.characterWithExpression(), p.focus, p.location)
	if b.Fits(noAction) {
		b.logDegraded(a, "drop_action", noAction)
		return noAction
	}

	core := []string{p.camera}
	if primary != "" {
		desc := b.compressedDescription(primary, manager, compactDescriptionTokens)
		if !b.Fits(assemble(p.camera, desc)) {
			desc = b.compressedDescription(primary, manager, faceOnlyTokens)
		}
		core = append(core, desc)
	}
	for _, extra := range []string{p.expression, p.action, p.focus, p.location, p.moodShort} {
		if extra == "" {
			continue
		}
		candidate := append(append([]string(nil), core...), extra)
		if !b.Fits(assemble(candidate...)) {
			break
		}
		core = candidate
	}
	out := assemble(core...)
	b.logDegraded(a, "compress_character", out)
	return out
}

func (b *Builder) logDegraded(a *storyboard.Analysis, step, prompt string) {
	b.logger.Debug("提示词超出 token 上限，已压缩",
		zap.Int("sentence", a.SentenceNum),
		zap.String("step", step),
		zap.Int("tokens", b.counter.Count(prompt)))
}

func (b *Builder) storyboardParts(a *storyboard.Analysis, manager *attributes.Manager) (storyboardParts, string) {
	p := storyboardParts{camera: a.CameraFraming + ", " + a.CameraAngle}

	var primary, original string
	if len(a.CharactersPresent) > 0 {
		original = a.CharactersPresent[0]
		primary = b.tables.NormalizeCharacterName(original)
		p.character = b.fullDescription(primary, manager)
		p.expression = lookupCharacter(a.Expressions, primary, original)
	}

	switch {
	case a.MovementText() != "":
		p.action = a.MovementText()
	case primary != "":
		p.action = lookupCharacter(a.BodyLanguage, primary, original)
	}

	switch {
	case a.VisualFocus != "":
		p.focus = "focus on " + a.VisualFocus
	case a.Composition != "":
		first, _, _ := strings.Cut(a.Composition, ".")
		p.focus = truncateRunes(first, maxCompositionRunes)
	}

	if a.SpatialContext != "" {
		loc, _, _ := strings.Cut(a.SpatialContext, ",")
		p.location = "in " + truncateRunes(loc, maxLocationRunes)
	}

	var moodParts []string
	if a.Mood != "" {
		moodParts = append(moodParts, a.Mood)
		p.moodShort, _, _ = strings.Cut(a.Mood, ",")
	}
	if a.LightingSuggestion != "" {
		moodParts = append(moodParts, a.LightingSuggestion)
	}
	if len(moodParts) > 0 {
		p.mood = truncateRunes(strings.Join(moodParts, ", "), maxMoodRunes)
	}
	return p, primary
}

// fullDescription 有状态管理器时取当前状态的完整描述，否则取规范描述
func (b *Builder) fullDescription(name string, manager *attributes.Manager) string {
	if manager != nil {
		if st, ok := manager.Snapshot(name); ok {
			return st.ToPromptString()
		}
		if c, ok := b.roster.Lookup(name); ok {
			return c.CompressedDescription(fullDescriptionTokens)
		}
		return name
	}
	if c, ok := b.roster.Lookup(name); ok {
		return c.CompressedDescription(legacyDescriptionTokens)
	}
	return name
}

func (b *Builder) compressedDescription(name string, manager *attributes.Manager, maxTokens int) string {
	if manager != nil {
		if st, ok := manager.Snapshot(name); ok {
			return st.ToCompressedString(maxTokens)
		}
	}
	if c, ok := b.roster.Lookup(name); ok {
		return c.CompressedDescription(maxTokens)
	}
	return name
}

// lookupCharacter 先按归一化名查找，再按原始名查找
func lookupCharacter(m map[string]string, normalized, original string) string {
	if v, ok := m[normalized]; ok && v != "" {
		return v
	}
	return m[original]
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
