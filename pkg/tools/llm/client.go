package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ErrGeneration 文本模型调用失败（网络、鉴权、空响应等传输层问题）
var ErrGeneration = errors.New("文本模型调用失败")

// Completion 一次调用的返回文本与 token 用量
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Client 文本理解后端
type Client interface {
	Complete(ctx context.Context, system, user string) (*Completion, error)
}

// Config 文本后端配置
type Config struct {
	Provider          string        `mapstructure:"provider"`
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	MaxTokens         int           `mapstructure:"max_tokens"`
	Temperature       float64       `mapstructure:"temperature"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// New 根据配置创建客户端，并套上重试与限速
func New(cfg Config, logger *zap.Logger) (Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	if cfg.Timeout <= 0 {
		httpClient.Timeout = 120 * time.Second
	}

	var base Client
	switch cfg.Provider {
	case ProviderOpenAI:
		base = NewOpenAIClient(logger, cfg, httpClient)
	case ProviderOllama, "":
		c, err := NewOllamaClient(logger, cfg, httpClient)
		if err != nil {
			return nil, err
		}
		base = c
	default:
		return nil, fmt.Errorf("不支持的文本模型提供方: %s", cfg.Provider)
	}

	return NewResilientClient(base, logger, cfg.MaxRetries, cfg.RequestsPerSecond), nil
}
