package storyboard

import (
	"fmt"
	"strconv"
	"strings"
)

// Pricing 每百万 token 的美元价格
type Pricing struct {
	InputPerMillion  float64 `mapstructure:"input_per_million" json:"input_per_million"`
	OutputPerMillion float64 `mapstructure:"output_per_million" json:"output_per_million"`
}

// DefaultPricing Claude 3.5 Haiku 价格
func DefaultPricing() Pricing {
	return Pricing{InputPerMillion: 0.80, OutputPerMillion: 4.00}
}

// Cost 指定 token 数的费用
func (p Pricing) Cost(input, output int) float64 {
	return float64(input)/1_000_000*p.InputPerMillion + float64(output)/1_000_000*p.OutputPerMillion
}

// CostReport 计算总费用并生成文本报告
func CostReport(s Stats, p Pricing) (float64, string) {
	inputCost := float64(s.TotalInputTokens) / 1_000_000 * p.InputPerMillion
	outputCost := float64(s.TotalOutputTokens) / 1_000_000 * p.OutputPerMillion
	total := inputCost + outputCost

	report := fmt.Sprintf(`Storyboard Analysis Cost:
- Cache hits: %d
- Cache misses: %d
- API calls: %d
- Input tokens: %s
- Output tokens: %s
- Input cost: $%.4f
- Output cost: $%.4f
- Total cost: $%.4f`,
		s.CacheHits, s.CacheMisses, s.APICalls,
		groupThousands(s.TotalInputTokens), groupThousands(s.TotalOutputTokens),
		inputCost, outputCost, total)
	return total, report
}

// groupThousands 1234567 -> "1,234,567"
func groupThousands(n int) string {
	s := strconv.Itoa(n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
