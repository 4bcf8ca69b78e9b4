package storyboard

import (
	"fmt"
	"strings"

	"github.com/screamatthewind/novel/pkg/attributes"
)

// historyAttributeTokens 连续性上下文里每个角色描述的 token 预算
const historyAttributeTokens = 15

type characterDescription struct {
	name string
	desc string
}

// SceneVisualHistory 场景内的视觉连续性记录，场景边界调用 Reset
type SceneVisualHistory struct {
	characters []string
	framing    string
	location   string
	props      []string
	mood       string
	attributes []characterDescription
	history    []*Analysis
}

// NewSceneVisualHistory 创建空记录
func NewSceneVisualHistory() *SceneVisualHistory {
	return &SceneVisualHistory{}
}

// ContinuityContext 生成发给分析后端的连续性描述。
// 传入 manager 时附带上一次更新缓存的角色属性。
func (h *SceneVisualHistory) ContinuityContext(manager *attributes.Manager) string {
	if len(h.history) == 0 {
		return "This is the first sentence in the scene."
	}

	var parts []string
	if len(h.characters) > 0 {
		parts = append(parts, "Current characters: "+strings.Join(h.characters, ", "))
	}
	if h.framing != "" {
		parts = append(parts, "Current framing: "+h.framing)
	}
	if h.location != "" {
		parts = append(parts, "Location: "+h.location)
	}
	if len(h.props) > 0 {
		parts = append(parts, "Visible props: "+strings.Join(h.props, ", "))
	}
	if manager != nil && len(h.attributes) > 0 {
		descs := make([]string, 0, len(h.attributes))
		for _, a := range h.attributes {
			descs = append(descs, fmt.Sprintf("%s: %s", a.name, a.desc))
		}
		parts = append(parts, "Character attributes: "+strings.Join(descs, "; "))
	}

	if len(parts) == 0 {
		return "No previous context."
	}
	return strings.Join(parts, " | ")
}

// Update 记录新一句的分析结果
func (h *SceneVisualHistory) Update(a *Analysis, manager *attributes.Manager) {
	if a == nil {
		return
	}
	h.characters = append([]string(nil), a.CharactersPresent...)
	h.framing = a.CameraFraming
	h.location = a.SpatialContext
	h.props = append([]string(nil), a.Props...)
	h.mood = a.Mood

	if manager != nil {
		h.attributes = h.attributes[:0]
		for _, name := range a.CharactersPresent {
			st, ok := manager.Snapshot(strings.ToLower(name))
			if !ok {
				continue
			}
			h.attributes = append(h.attributes, characterDescription{name: name, desc: st.ToCompressedString(historyAttributeTokens)})
		}
	}

	h.history = append(h.history, a)
}

// Reset 清空全部记录
func (h *SceneVisualHistory) Reset() {
	*h = SceneVisualHistory{}
}

// Len 本场景已记录的句子数
func (h *SceneVisualHistory) Len() int { return len(h.history) }

// lastMood 最近一句的情绪
func (h *SceneVisualHistory) lastMood() string { return h.mood }
