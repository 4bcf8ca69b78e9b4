package scene

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Scene 章节中由 "* * *" 分隔的一个场景
type Scene struct {
	ChapterNum   int    `json:"chapter_num"`
	ChapterTitle string `json:"chapter_title"`
	SceneNum     int    `json:"scene_num"`
	Content      string `json:"content"`
	WordCount    int    `json:"word_count"`
}

// Sentence 场景中的一句话，编号从 1 开始，SceneContext 为所在场景的完整文本
type Sentence struct {
	ChapterNum   int    `json:"chapter_num"`
	SceneNum     int    `json:"scene_num"`
	SentenceNum  int    `json:"sentence_num"`
	Content      string `json:"content"`
	WordCount    int    `json:"word_count"`
	SceneContext string `json:"scene_context,omitempty"`
}

var (
	chapterFileRe  = regexp.MustCompile(`Chapter_(\d+)\.md`)
	craftNotesRe   = regexp.MustCompile(`(?im)^CRAFT NOTES`)
	sceneBreakRe   = regexp.MustCompile(`(?m)^\*\s+\*\s+\*\s*$`)
	sentenceEndRe  = regexp.MustCompile(`[.!?]+\s+`)
	abbreviations  = []string{"Mr.", "Mrs.", "Ms.", "Dr.", "vs.", "etc.", "i.e.", "e.g."}
	abbrevSentinel = "\uE000"
)

// ExtractChapterNumber 从 "The_Obsolescence_Chapter_01.md" 这类文件名提取章节号
func ExtractChapterNumber(filename string) (int, error) {
	m := chapterFileRe.FindStringSubmatch(filepath.Base(filename))
	if m == nil {
		return 0, fmt.Errorf("无法从文件名提取章节号: %s", filename)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("章节号无效 %q: %w", m[1], err)
	}
	return n, nil
}

// RemoveCraftNotes 去掉以 "CRAFT NOTES" 开头的行及其后的全部内容
func RemoveCraftNotes(content string) string {
	loc := craftNotesRe.FindStringIndex(content)
	if loc == nil {
		return content
	}
	return strings.TrimSpace(content[:loc[0]])
}

// SplitScenes 按独占一行的 "* * *" 切分场景，丢弃空场景
func SplitScenes(content string) []string {
	var scenes []string
	for _, part := range sceneBreakRe.Split(content, -1) {
		if s := strings.TrimSpace(part); s != "" {
			scenes = append(scenes, s)
		}
	}
	return scenes
}

// SplitIntoSentences 在 . ! ? 加空白处断句，常见缩写不会被切开
func SplitIntoSentences(text string) []string {
	for _, abbr := range abbreviations {
		text = strings.ReplaceAll(text, abbr, strings.ReplaceAll(abbr, ".", abbrevSentinel))
	}

	restore := func(s string) string {
		return strings.ReplaceAll(strings.TrimSpace(s), abbrevSentinel, ".")
	}

	var sentences []string
	start := 0
	for _, loc := range sentenceEndRe.FindAllStringIndex(text, -1) {
		if s := restore(text[start:loc[1]]); s != "" {
			sentences = append(sentences, s)
		}
		start = loc[1]
	}
	if s := restore(text[start:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// ParseChapterText 解析章节文本为场景与句子
func ParseChapterText(chapterNum int, content string) ([]Scene, []Sentence) {
	content = RemoveCraftNotes(content)

	var (
		scenes    []Scene
		sentences []Sentence
	)
	for i, text := range SplitScenes(content) {
		sc := Scene{
			ChapterNum:   chapterNum,
			ChapterTitle: fmt.Sprintf("Chapter %d", chapterNum),
			SceneNum:     i + 1,
			Content:      text,
			WordCount:    len(strings.Fields(text)),
		}
		scenes = append(scenes, sc)
		for j, s := range SplitIntoSentences(text) {
			sentences = append(sentences, Sentence{
				ChapterNum:   chapterNum,
				SceneNum:     sc.SceneNum,
				SentenceNum:  j + 1,
				Content:      s,
				WordCount:    len(strings.Fields(s)),
				SceneContext: text,
			})
		}
	}
	return scenes, sentences
}

// ParseChapterFile 读取章节文件并解析
func ParseChapterFile(path string) ([]Scene, []Sentence, error) {
	chapterNum, err := ExtractChapterNumber(path)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("读取章节文件失败: %w", err)
	}
	scenes, sentences := ParseChapterText(chapterNum, string(data))
	return scenes, sentences, nil
}

// FindChapterFile 在目录中查找指定章节的 markdown 文件
func FindChapterFile(dir string, chapterNum int) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*Chapter_*.md"))
	if err != nil {
		return "", fmt.Errorf("查找章节文件失败: %w", err)
	}
	for _, m := range matches {
		if n, err := ExtractChapterNumber(m); err == nil && n == chapterNum {
			return m, nil
		}
	}
	return "", fmt.Errorf("未找到第 %d 章的文件: %s", chapterNum, dir)
}
