package attributes

import (
	"time"
)

// Change 一次被接受的属性变更，写入后不再修改
type Change struct {
	SentenceNum   int       `json:"sentence_num"`
	AttributeType Attribute `json:"attribute_type"`
	OldValue      string    `json:"old_value"`
	NewValue      string    `json:"new_value"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
}

// CharacterState 单个角色在当前章节中的视觉状态。
// 面部、肤色、体型来自规范表，之后不再变化；其余字段只能通过 Manager 修改。
type CharacterState struct {
	CharacterName       string   `json:"character_name"`
	Hair                string   `json:"hair"`
	Face                string   `json:"face"`
	Clothing            string   `json:"clothing"`
	Accessories         string   `json:"accessories"`
	Skin                string   `json:"skin"`
	Build               string   `json:"build"`
	LastUpdatedSentence int      `json:"last_updated_sentence"`
	ChangeHistory       []Change `json:"change_history"`
}

func newCharacterState(c Canonical) *CharacterState {
	return &CharacterState{
		CharacterName: c.Name,
		Hair:          c.Hair,
		Face:          c.Face,
		Clothing:      c.Clothing,
		Accessories:   c.Accessories,
		Skin:          c.Skin,
		Build:         c.Build,
		ChangeHistory: []Change{},
	}
}

// Get 按类别读取当前值
func (s *CharacterState) Get(a Attribute) string {
	switch a {
	case Hair:
		return s.Hair
	case Face:
		return s.Face
	case Clothing:
		return s.Clothing
	case Accessories:
		return s.Accessories
	case Skin:
		return s.Skin
	case Build:
		return s.Build
	}
	return ""
}

func (s *CharacterState) set(a Attribute, v string) {
	switch a {
	case Hair:
		s.Hair = v
	case Clothing:
		s.Clothing = v
	case Accessories:
		s.Accessories = v
	}
}

// ToPromptString 面部、发型、服装、配饰组成的完整描述
func (s *CharacterState) ToPromptString() string {
	return compress(s.Face, s.Hair, s.Clothing, s.Accessories, 25)
}

// ToCompressedString 按 token 预算压缩描述:
// >=25 完整，>=18 面部+发型+服装，>=12 面部+服装，否则只保留面部
func (s *CharacterState) ToCompressedString(maxTokens int) string {
	return compress(s.Face, s.Hair, s.Clothing, s.Accessories, maxTokens)
}

// ChangeCount 变更次数
func (s *CharacterState) ChangeCount() int { return len(s.ChangeHistory) }

// ChangesByType 返回某一类别的全部变更
func (s *CharacterState) ChangesByType(a Attribute) []Change {
	var out []Change
	for _, c := range s.ChangeHistory {
		if c.AttributeType == a {
			out = append(out, c)
		}
	}
	return out
}

func (s *CharacterState) clone() CharacterState {
	cp := *s
	cp.ChangeHistory = make([]Change, len(s.ChangeHistory))
	copy(cp.ChangeHistory, s.ChangeHistory)
	return cp
}
