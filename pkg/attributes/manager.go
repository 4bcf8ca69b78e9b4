package attributes

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager 管理一个章节内所有角色的视觉状态。
// 状态在场景之间保持，只在换章时清空；每个角色每章只有一个状态实例。
type Manager struct {
	mu         sync.Mutex
	roster     *Roster
	logger     *zap.Logger
	chapterNum int
	sceneNum   int
	states     map[string]*CharacterState
	now        func() time.Time
}

// NewManager 为指定章节创建状态管理器，roster 为空时使用默认角色表
func NewManager(logger *zap.Logger, roster *Roster, chapterNum int) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if roster == nil {
		roster = DefaultRoster()
	}
	return &Manager{
		roster:     roster,
		logger:     logger,
		chapterNum: chapterNum,
		sceneNum:   1,
		states:     make(map[string]*CharacterState),
		now:        time.Now,
	}
}

// ChapterNum 当前章节号
func (m *Manager) ChapterNum() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chapterNum
}

// Roster 注入的规范角色表
func (m *Manager) Roster() *Roster { return m.roster }

// GetCurrentAttributes 获取角色当前状态，首次访问时从规范表初始化。
// 未知角色返回 false，不会报错。
func (m *Manager) GetCurrentAttributes(name string) (*CharacterState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreate(name)
}

func (m *Manager) getOrCreate(name string) (*CharacterState, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if st, ok := m.states[key]; ok {
		return st, true
	}
	canonical, ok := m.roster.Lookup(key)
	if !ok {
		return nil, false
	}
	st := newCharacterState(canonical)
	m.states[key] = st
	return st, true
}

// Snapshot 返回角色状态的副本，供并发读取（例如 Web 接口）使用
func (m *Manager) Snapshot(name string) (CharacterState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.getOrCreate(name)
	if !ok {
		return CharacterState{}, false
	}
	return st.clone(), true
}

// UpdateAttribute 修改角色的可变属性并记录变更历史。
// 只读类别或未知角色返回 false，状态不变。
func (m *Manager) UpdateAttribute(name string, attr Attribute, newValue string, sentenceNum int, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.getOrCreate(name)
	if !ok {
		m.logger.Warn("未知角色，忽略属性更新",
			zap.String("character", name),
			zap.String("attribute", attr.String()),
			zap.String("outcome", "attr_rejected"))
		return false
	}
	if !attr.IsMutable() {
		m.logger.Warn("只读属性不能修改",
			zap.String("character", st.CharacterName),
			zap.String("attribute", attr.String()),
			zap.String("outcome", "attr_rejected"))
		return false
	}

	if sentenceNum < st.LastUpdatedSentence {
		m.logger.Warn("属性更新的句子编号早于上次更新",
			zap.String("character", st.CharacterName),
			zap.Int("sentence", sentenceNum),
			zap.Int("last_updated_sentence", st.LastUpdatedSentence))
	}

	old := st.Get(attr)
	st.ChangeHistory = append(st.ChangeHistory, Change{
		SentenceNum:   sentenceNum,
		AttributeType: attr,
		OldValue:      old,
		NewValue:      newValue,
		Reason:        reason,
		Timestamp:     m.now(),
	})
	st.set(attr, newValue)
	if sentenceNum > st.LastUpdatedSentence {
		st.LastUpdatedSentence = sentenceNum
	}

	m.logger.Info("角色属性已更新",
		zap.Int("chapter", m.chapterNum),
		zap.String("character", st.CharacterName),
		zap.String("attribute", attr.String()),
		zap.String("old", old),
		zap.String("new", newValue),
		zap.Int("sentence", sentenceNum),
		zap.String("reason", reason),
		zap.String("outcome", "attr_applied"))
	return true
}

// ResetForNewScene 场景切换只记录场景号，属性保持不变
func (m *Manager) ResetForNewScene(sceneNum int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sceneNum = sceneNum
}

// ResetForNewChapter 切换章节，清空全部角色状态，之后按需重新初始化
func (m *Manager) ResetForNewChapter(chapterNum int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chapterNum = chapterNum
	m.sceneNum = 1
	m.states = make(map[string]*CharacterState)
	m.logger.Info("角色属性已重置", zap.Int("chapter", chapterNum))
}

// AllCharacters 当前章节中已初始化的角色
func (m *Manager) AllCharacters() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for _, n := range m.roster.Names() {
		if _, ok := m.states[n]; ok {
			names = append(names, n)
		}
	}
	return names
}

// Statistics 属性变更统计
type Statistics struct {
	ChapterNum         int                       `json:"chapter_num"`
	TotalChanges       int                       `json:"total_changes"`
	CharactersTracked  int                       `json:"characters_tracked"`
	ChangesByCharacter map[string]int            `json:"changes_by_character"`
	ChangesByType      map[Attribute]int         `json:"changes_by_type"`
	CharacterDetails   map[string]CharacterState `json:"character_details"`
}

// GetStatistics 只读统计，不会初始化任何角色
func (m *Manager) GetStatistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Statistics{
		ChapterNum:         m.chapterNum,
		CharactersTracked:  len(m.states),
		ChangesByCharacter: make(map[string]int, len(m.states)),
		ChangesByType:      map[Attribute]int{Hair: 0, Clothing: 0, Accessories: 0},
		CharacterDetails:   make(map[string]CharacterState, len(m.states)),
	}
	for name, st := range m.states {
		stats.TotalChanges += st.ChangeCount()
		stats.ChangesByCharacter[name] = st.ChangeCount()
		for _, c := range st.ChangeHistory {
			stats.ChangesByType[c.AttributeType]++
		}
		stats.CharacterDetails[name] = st.clone()
	}
	return stats
}

// ExportState 以 JSON 导出统计与全部角色状态
func (m *Manager) ExportState() (string, error) {
	data, err := json.MarshalIndent(m.GetStatistics(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("导出角色状态失败: %w", err)
	}
	return string(data), nil
}

// CharacterContext 为句中提到的角色生成分析上下文，每行 "Name: 当前描述"。
// 未知角色被跳过；没有可用角色时返回空串。
func (m *Manager) CharacterContext(names []string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var lines []string
	for _, n := range names {
		st, ok := m.getOrCreate(n)
		if !ok {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", titleCase(st.CharacterName), st.ToPromptString()))
	}
	return strings.Join(lines, "\n")
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
