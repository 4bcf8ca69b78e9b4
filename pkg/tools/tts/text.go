package tts

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxChunkChars 单次合成的最大字符数
const MaxChunkChars = 240

// NarratorSpeaker 旁白的说话人名
const NarratorSpeaker = "narrator"

var sentenceEnd = regexp.MustCompile(`[.!?]+\s+`)

// ChunkText 在句子边界处切分文本，每块不超过 maxChars 个字符。
// 单个句子本身超长时独占一块，不在句中截断。
func ChunkText(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = MaxChunkChars
	}
	if utf8.RuneCountInString(text) <= maxChars {
		return []string{text}
	}

	var sentences []string
	last := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		sentences = append(sentences, text[last:loc[1]])
		last = loc[1]
	}
	if last < len(text) {
		sentences = append(sentences, text[last:])
	}

	var (
		chunks  []string
		current string
	)
	for _, s := range sentences {
		if utf8.RuneCountInString(current)+utf8.RuneCountInString(s) <= maxChars {
			current += s
			continue
		}
		if current != "" {
			chunks = append(chunks, strings.TrimSpace(current))
		}
		current = s
	}
	if current != "" {
		chunks = append(chunks, strings.TrimSpace(current))
	}
	return chunks
}

// Segment 一段带说话人的文本
type Segment struct {
	Text    string `json:"text"`
	Speaker string `json:"speaker"`
	// Type 为 dialogue 或 narration
	Type string `json:"type"`
}

var (
	sceneSeparator = regexp.MustCompile(`\n\s*\* \* \*\s*\n`)
	italic         = regexp.MustCompile(`\*([^*]+)\*`)
	manyNewlines   = regexp.MustCompile(`\n{3,}`)
	manySpaces     = regexp.MustCompile(` +`)

	speechVerbs   = `(?:said|asked|replied|shouted|whispered|muttered|continued|added|laughed|grinned)`
	quoteThenName = regexp.MustCompile(`"([^"]+)"[,.]?\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)\s+` + speechVerbs)
	nameThenQuote = regexp.MustCompile(`([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)\s+(?:said|asked|replied|shouted|whispered|muttered):\s+"([^"]+)"`)
	quotePronoun  = regexp.MustCompile(`"([^"]+)"[,.]?\s+(?:he|she)\s+` + speechVerbs)
	quoted        = regexp.MustCompile(`"([^"]+)"`)
)

// CleanMarkdown 去掉场景分隔符和斜体标记，破折号换成逗号停顿
func CleanMarkdown(text string) string {
	text = sceneSeparator.ReplaceAllString(text, "\n\n")
	text = italic.ReplaceAllString(text, "$1")
	text = strings.ReplaceAll(text, "—", ", ")
	text = manyNewlines.ReplaceAllString(text, "\n\n")
	text = manySpaces.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// ParseDialogue 把文本拆成对白与旁白片段。
// knownSpeakers 为小写角色名；无法归属的对白沿用上一位说话人。
func ParseDialogue(text string, knownSpeakers []string) []Segment {
	known := make(map[string]bool, len(knownSpeakers))
	for _, s := range knownSpeakers {
		known[strings.ToLower(s)] = true
	}
	resolve := func(name, fallback string) string {
		name = strings.ToLower(name)
		if known[name] {
			return name
		}
		if first, _, ok := strings.Cut(name, " "); ok && known[first] {
			return first
		}
		return fallback
	}

	var segments []Segment
	narration := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			segments = append(segments, Segment{Text: s, Speaker: NarratorSpeaker, Type: "narration"})
		}
	}
	dialogue := func(s, speaker string) {
		segments = append(segments, Segment{Text: s, Speaker: speaker, Type: "dialogue"})
	}

	lastSpeaker := NarratorSpeaker
	for _, para := range strings.Split(CleanMarkdown(text), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		if m := quoteThenName.FindStringSubmatchIndex(para); m != nil {
			speaker := resolve(para[m[4]:m[5]], lastSpeaker)
			narration(para[:m[0]])
			dialogue(para[m[2]:m[3]], speaker)
			narration(para[m[1]:])
			lastSpeaker = speaker
			continue
		}
		if m := nameThenQuote.FindStringSubmatchIndex(para); m != nil {
			speaker := resolve(para[m[2]:m[3]], lastSpeaker)
			narration(para[:m[0]])
			dialogue(para[m[4]:m[5]], speaker)
			narration(para[m[1]:])
			lastSpeaker = speaker
			continue
		}
		if m := quotePronoun.FindStringSubmatchIndex(para); m != nil {
			speaker := lastSpeaker
			if name := firstKnownIn(para, knownSpeakers); name != "" {
				speaker = name
			}
			narration(para[:m[0]])
			dialogue(para[m[2]:m[3]], speaker)
			narration(para[m[1]:])
			lastSpeaker = speaker
			continue
		}

		quotes := quoted.FindAllStringSubmatchIndex(para, -1)
		if len(quotes) == 0 {
			narration(para)
			continue
		}
		prev := 0
		for _, q := range quotes {
			narration(para[prev:q[0]])
			dialogue(para[q[2]:q[3]], lastSpeaker)
			prev = q[1]
		}
		narration(para[prev:])
	}
	return segments
}

// firstKnownIn 段落中按声明顺序第一个出现的角色名
func firstKnownIn(para string, names []string) string {
	lower := strings.ToLower(para)
	for _, n := range names {
		if strings.Contains(lower, strings.ToLower(n)) {
			return strings.ToLower(n)
		}
	}
	return ""
}
