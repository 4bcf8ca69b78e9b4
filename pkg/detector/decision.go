// Package detector 判断一句话是否需要生成新图，还是沿用上一张图。
// 提供关键词与分镜分析两种模式，两者都只在决定生成时更新基线。
package detector

import "strings"

const (
	ModeKeyword    = "keyword"
	ModeStoryboard = "storyboard"
)

const (
	ReasonFirstSentence = "first_sentence"
	ReasonNoChange      = "no_significant_change"
)

// Decision 一次生成/复用判定
type Decision struct {
	Generate bool   `json:"generate"`
	Reason   string `json:"reason"`
}

func generate(changes []string) Decision {
	return Decision{Generate: true, Reason: "changed: " + strings.Join(changes, ", ")}
}

func reuse() Decision {
	return Decision{Generate: false, Reason: ReasonNoChange}
}
