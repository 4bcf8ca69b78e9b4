package prompt

import (
	"fmt"
	"strings"
)

const filenameKeyWords = 4

// Keyword 关键词模式的自然语言提示词。
// 角色与动作取自句子，场景、时间与情绪取自场景文本（为空时取句子）。
func (b *Builder) Keyword(text, sceneContext string) string {
	contextText := sceneContext
	if contextText == "" {
		contextText = text
	}
	characters := b.tables.ExtractCharacters(text)
	setting := b.tables.ExtractSetting(contextText)
	timeOfDay := b.tables.ExtractTimeOfDay(contextText)
	mood := b.tables.ExtractMood(contextText, timeOfDay)
	action := b.tables.ExtractAction(text)

	var parts []string
	if len(characters) > 0 {
		desc := b.fullDescription(characters[0], nil)
		if action != "" {
			act := strings.ReplaceAll(action, "in conversation", "talking")
			act = strings.ReplaceAll(act, "working with equipment or tools", "working")
			parts = append(parts, fmt.Sprintf("A %s %s", desc, act))
		} else {
			parts = append(parts, "A "+desc)
		}
		parts = append(parts, "in a "+setting)
	} else if action != "" {
		parts = append(parts, "A scene showing someone "+strings.ReplaceAll(action, "in conversation", "talking"))
	} else {
		parts = append(parts, "A view of a "+setting)
	}

	if mood != "" {
		first, _, _ := strings.Cut(mood, ",")
		parts = append(parts, "with "+first)
	}
	return strings.Join(parts, " ") + ". " + BaseStyle
}

// ImageFilename chapter_01_scene_02_sent_003_emma_factory_reading.png
func (b *Builder) ImageFilename(chapterNum, sceneNum, sentenceNum int, text, sceneContext string) string {
	keyWords := b.tables.ExtractKeyWords(text, sceneContext, filenameKeyWords)
	return fmt.Sprintf("chapter_%02d_scene_%02d_sent_%03d_%s.png", chapterNum, sceneNum, sentenceNum, keyWords)
}

// Seed 每句固定的随机种子，重跑时结果可复现
func Seed(chapterNum, sceneNum, sentenceNum int) int64 {
	return 42 + int64(chapterNum)*1000 + int64(sceneNum)*100 + int64(sentenceNum)
}
