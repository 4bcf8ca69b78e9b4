package detector

import (
	"go.uber.org/zap"

	"github.com/screamatthewind/novel/pkg/keywords"
	"github.com/screamatthewind/novel/pkg/scene"
)

// KeywordState 关键词模式的视觉状态，空串表示未识别
type KeywordState struct {
	Character string `json:"character"`
	Setting   string `json:"setting"`
	Action    string `json:"action"`
	TimeOfDay string `json:"time_of_day"`
}

// KeywordDetector 基于关键词启发式的变化检测
type KeywordDetector struct {
	tables  *keywords.Tables
	logger  *zap.Logger
	current KeywordState
	count   int
}

// NewKeywordDetector tables 为 nil 时使用默认词表
func NewKeywordDetector(tables *keywords.Tables, logger *zap.Logger) *KeywordDetector {
	if tables == nil {
		tables = keywords.DefaultTables()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeywordDetector{tables: tables, logger: logger}
}

// AnalyzeSentence 提取视觉状态。场景与时间取自整段场景文本，角色与动作取自句子本身。
func (d *KeywordDetector) AnalyzeSentence(s scene.Sentence) KeywordState {
	var character string
	if chars := d.tables.ExtractCharacters(s.Content); len(chars) > 0 {
		character = chars[0]
	}
	return KeywordState{
		Character: character,
		Setting:   d.tables.ExtractSetting(s.SceneContext),
		Action:    d.tables.ExtractAction(s.Content),
		TimeOfDay: d.tables.ExtractTimeOfDay(s.SceneContext),
	}
}

// NeedsNewImage 与基线比较并给出判定，不修改任何状态
func (d *KeywordDetector) NeedsNewImage(next KeywordState) Decision {
	if d.current.Character == "" && d.count == 0 {
		return Decision{Generate: true, Reason: ReasonFirstSentence}
	}

	var changes []string
	if next.Character != d.current.Character {
		changes = append(changes, "character")
	}
	if next.Setting != d.current.Setting {
		changes = append(changes, "setting")
	}
	switch {
	case next.Action != "" && d.current.Action != "":
		if d.significantActionChange(d.current.Action, next.Action) {
			changes = append(changes, "action")
		}
	case next.Action != "" && d.current.Action == "":
		changes = append(changes, "action")
	}
	if next.TimeOfDay != d.current.TimeOfDay {
		changes = append(changes, "time")
	}

	// 角色或场景变化必出新图；两项以上变化出新图；只有时间变化也出新图（光线不同），
	// 只有动作变化则沿用
	switch {
	case contains(changes, "character") || contains(changes, "setting"):
		return generate(changes)
	case len(changes) >= 2:
		return generate(changes)
	case len(changes) == 1 && changes[0] == "time":
		return generate(changes)
	}
	return reuse()
}

// significantActionChange 静态动作与动态动作之间的切换才算显著
func (d *KeywordDetector) significantActionChange(oldAction, newAction string) bool {
	oldCat := d.tables.ActionCategory(oldAction)
	newCat := d.tables.ActionCategory(newAction)
	if oldCat == newCat {
		return false
	}
	return keywords.StaticActions[oldCat] != keywords.StaticActions[newCat]
}

// UpdateState 生成新图后记录基线
func (d *KeywordDetector) UpdateState(s KeywordState) {
	d.current = s
	d.count++
}

// Decide 提取状态、判定，并在需要生成时更新基线
func (d *KeywordDetector) Decide(s scene.Sentence) (KeywordState, Decision) {
	state := d.AnalyzeSentence(s)
	decision := d.NeedsNewImage(state)
	if decision.Generate {
		d.UpdateState(state)
	}
	d.logger.Debug("关键词模式判定",
		zap.Int("sentence", s.SentenceNum),
		zap.Bool("generate", decision.Generate),
		zap.String("reason", decision.Reason))
	return state, decision
}

// state 当前基线
func (d *KeywordDetector) state() KeywordState { return d.current }

// Reset 清空基线，新场景开始时调用
func (d *KeywordDetector) Reset() {
	d.current = KeywordState{}
	d.count = 0
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
