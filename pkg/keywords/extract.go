package keywords

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

var (
	nameRegexMu sync.Mutex
	nameRegexes = map[string]*regexp.Regexp{}
)

// nameRegex 角色名按整词匹配，避免 "wei" 命中 "weight"
func nameRegex(name string) *regexp.Regexp {
	nameRegexMu.Lock()
	defer nameRegexMu.Unlock()
	if re, ok := nameRegexes[name]; ok {
		return re
	}
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\b`)
	nameRegexes[name] = re
	return re
}

func score(text string, keywords []string) int {
	n := 0
	for _, k := range keywords {
		if strings.Contains(text, k) {
			n++
		}
	}
	return n
}

// best 返回得分最高的类别，平局取先声明者
func best(text string, cats []Category) (Category, bool) {
	var (
		winner Category
		top    int
	)
	for _, c := range cats {
		if s := score(text, c.Keywords); s > top {
			winner, top = c, s
		}
	}
	return winner, top > 0
}

func first(text string, cats []Category) (Category, bool) {
	for _, c := range cats {
		if score(text, c.Keywords) > 0 {
			return c, true
		}
	}
	return Category{}, false
}

// ExtractCharacters 按词表顺序返回文本中出现的角色
func (t *Tables) ExtractCharacters(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	for _, name := range t.Characters {
		if nameRegex(name).MatchString(lower) {
			out = append(out, name)
		}
	}
	return out
}

// ExtractSetting 取得分最高的场景，默认 "interior scene"
func (t *Tables) ExtractSetting(text string) string {
	if c, ok := best(strings.ToLower(text), t.Settings); ok {
		return c.Name
	}
	return DefaultSetting
}

// ExtractTimeOfDay 按声明顺序取首个匹配的时间段，默认 "daytime"
func (t *Tables) ExtractTimeOfDay(text string) string {
	if c, ok := first(strings.ToLower(text), t.Times); ok {
		return c.Name
	}
	return DefaultTime
}

// LightingFor 时间段对应的光线描述
func (t *Tables) LightingFor(timeOfDay string) string {
	if l, ok := t.Lighting[timeOfDay]; ok {
		return l
	}
	return DefaultLighting
}

// ExtractMood 得分最高的情绪与光线组合的描述
func (t *Tables) ExtractMood(text, timeOfDay string) string {
	lighting := t.LightingFor(timeOfDay)
	if c, ok := best(strings.ToLower(text), t.Moods); ok && c.Descriptor != "" {
		return fmt.Sprintf(c.Descriptor, lighting)
	}
	return fmt.Sprintf(neutralMood, lighting)
}

// ExtractAction 首个匹配动作的描述，无匹配时为空串
func (t *Tables) ExtractAction(text string) string {
	if c, ok := first(strings.ToLower(text), t.Actions); ok {
		return c.Descriptor
	}
	return ""
}

// ActionCategory 由动作描述反查类别名，例如 "reading document or screen" -> "reading"。
// 描述中不含任何类别名时返回 "unknown"。
func (t *Tables) ActionCategory(descriptor string) string {
	lower := strings.ToLower(descriptor)
	for _, c := range t.Actions {
		if strings.Contains(lower, c.Name) {
			return c.Name
		}
	}
	return "unknown"
}

// NormalizeCharacterName "Emma Chen" -> "emma"，未登记的全名取第一个单词
func (t *Tables) NormalizeCharacterName(fullName string) string {
	normalized := strings.ToLower(strings.TrimSpace(fullName))
	if short, ok := t.Aliases[normalized]; ok {
		return short
	}
	if fields := strings.Fields(normalized); len(fields) > 0 {
		return fields[0]
	}
	return normalized
}

// ExtractKeyWords 生成文件名关键词：主要角色、场景、动作首词，下划线连接。
// 场景取自 sceneContext（非空时），保证同一场景内的一致性。
func (t *Tables) ExtractKeyWords(text, sceneContext string, maxWords int) string {
	contextText := text
	if sceneContext != "" {
		contextText = sceneContext
	}
	setting := t.ExtractSetting(contextText)
	characters := t.ExtractCharacters(text)
	action := t.ExtractAction(text)

	var words []string
	if len(characters) > 0 {
		words = append(words, characters[0])
	}
	words = append(words, strings.ReplaceAll(setting, " ", "_"))
	if action != "" {
		w := strings.Fields(action)[0]
		dup := false
		for _, existing := range words {
			if existing == w {
				dup = true
				break
			}
		}
		if !dup {
			words = append(words, w)
		}
	}
	if maxWords > 0 && len(words) > maxWords {
		words = words[:maxWords]
	}
	return strings.Join(words, "_")
}
