package prompt

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// MaxTokens 图像后端文本编码器的硬上限
const MaxTokens = 77

// TokenCounter 估算提示词在文本编码器中的 token 数（含起止标记）
type TokenCounter interface {
	Count(text string) int
}

// EstimateCounter 按单词数 * 1.3 估算，不依赖词表
type EstimateCounter struct{}

func (EstimateCounter) Count(text string) int {
	return int(float64(len(strings.Fields(text))) * 1.3)
}

// BPECounter 使用 tiktoken 的 BPE 词表计数，额外加上起止两个特殊标记
type BPECounter struct {
	enc *tiktoken.Tiktoken
}

func (c *BPECounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil)) + 2
}

// NewTokenCounter 优先加载 BPE 词表，失败（例如离线环境）时退回单词估算
func NewTokenCounter(encoding string, logger *zap.Logger) TokenCounter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		logger.Warn("加载 BPE 词表失败，改用单词估算", zap.String("encoding", encoding), zap.Error(err))
		return EstimateCounter{}
	}
	return &BPECounter{enc: enc}
}
