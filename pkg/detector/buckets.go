package detector

import (
	"regexp"
	"strings"
)

// Bucket 一个粗粒度分类及其关键词，只有分类层面的变化才算剧烈变化。
// 关键词按词首匹配（"frustrat" 可命中 "frustrated"）。
// 被否定的命中（unhappy、hopeless、not happy）归入 Negation 分类，Negation 为空时忽略该命中。
type Bucket struct {
	Name     string   `mapstructure:"name" json:"name"`
	Keywords []string `mapstructure:"keywords" json:"keywords"`
	Negation string   `mapstructure:"negation" json:"negation,omitempty"`
}

// Buckets 表情与情绪分类表，按声明顺序取首个命中
type Buckets struct {
	Expressions []Bucket `mapstructure:"expressions"`
	Moods       []Bucket `mapstructure:"moods"`
}

const neutralBucket = "neutral"

// DefaultBuckets 默认分类：表情 {positive, negative, neutral}，
// 情绪 {tense, calm, dark, hopeful, neutral}
func DefaultBuckets() *Buckets {
	return &Buckets{
		Expressions: []Bucket{
			{Name: "negative", Negation: "positive", Keywords: []string{
				"angry", "anger", "furious", "sad", "sorrow", "grief", "cry", "tear", "fear", "afraid",
				"scared", "terrified", "horrified", "worried", "anxious", "nervous", "frown", "scowl",
				"shock", "stunned", "upset", "frustrat", "disgust", "grim", "pain", "tense", "panic",
			}},
			{Name: "positive", Negation: "negative", Keywords: []string{
				"smile", "smiling", "grin", "happy", "joy", "laugh", "delight", "relieved", "relief",
				"hopeful", "excited", "pleased", "amused", "proud", "content", "warm", "cheerful",
			}},
		},
		Moods: []Bucket{
			{Name: "tense", Negation: "calm", Keywords: []string{
				"tense", "tension", "anxious", "anxiety", "urgent", "urgency", "suspense", "nervous",
				"uneasy", "danger", "frantic", "panic", "pressure", "shock", "alarm",
			}},
			{Name: "dark", Keywords: []string{
				"dark", "grim", "ominous", "somber", "sombre", "despair", "bleak", "sinister",
				"foreboding", "melanchol", "gloom", "grief", "dread",
			}},
			{Name: "hopeful", Negation: "dark", Keywords: []string{
				"hope", "uplifting", "optimis", "bright", "joy", "triumph", "warm", "cheerful", "relief",
			}},
			{Name: "calm", Negation: "tense", Keywords: []string{
				"calm", "peaceful", "quiet", "serene", "relaxed", "contemplative", "reflective",
				"tranquil", "still", "gentle",
			}},
		},
	}
}

var (
	wordRegex      = regexp.MustCompile(`[a-z]+`)
	negationPrefix = []string{"un", "dis"}
	negationWords  = map[string]bool{"not": true, "no": true, "never": true, "without": true, "hardly": true}
	negationSuffix = "less"
)

// matchWord 关键词是否以词首命中 word，第二个返回值表示命中是否被前缀/后缀否定
func matchWord(word, keyword string) (bool, bool) {
	if strings.HasPrefix(word, keyword) {
		return true, strings.HasSuffix(word, negationSuffix) && !strings.HasSuffix(keyword, negationSuffix)
	}
	for _, p := range negationPrefix {
		if strings.HasPrefix(word, p+keyword) {
			return true, true
		}
	}
	return false, false
}

func classify(text string, buckets []Bucket) string {
	words := wordRegex.FindAllString(strings.ToLower(text), -1)
	if len(words) == 0 {
		return neutralBucket
	}
	for _, b := range buckets {
		for _, k := range b.Keywords {
			for i, w := range words {
				hit, negated := matchWord(w, k)
				if !hit {
					continue
				}
				if i > 0 && negationWords[words[i-1]] {
					negated = !negated
				}
				if !negated {
					return b.Name
				}
				if b.Negation != "" {
					return b.Negation
				}
			}
		}
	}
	return neutralBucket
}

// ExpressionBucket 表情分类
func (b *Buckets) ExpressionBucket(expression string) string {
	return classify(expression, b.Expressions)
}

// MoodBucket 情绪分类
func (b *Buckets) MoodBucket(mood string) string {
	return classify(mood, b.Moods)
}
