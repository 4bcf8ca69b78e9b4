package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"go.uber.org/zap"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaClient 本地 Ollama 后端
type OllamaClient struct {
	Logger      *zap.Logger
	client      *api.Client
	model       string
	maxTokens   int
	temperature float64
}

// NewOllamaClient 创建 Ollama 客户端
func NewOllamaClient(logger *zap.Logger, cfg Config, httpClient *http.Client) (*OllamaClient, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("解析 Ollama 地址失败: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &OllamaClient{
		Logger:      logger,
		client:      api.NewClient(parsed, httpClient),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

// Complete 以非流式方式调用 /api/chat，并要求返回 JSON
func (c *OllamaClient) Complete(ctx context.Context, system, user string) (*Completion, error) {
	if strings.TrimSpace(user) == "" {
		return nil, fmt.Errorf("%w: 用户输入为空", ErrGeneration)
	}

	messages := []api.Message{}
	if system != "" {
		messages = append(messages, api.Message{Role: "system", Content: system})
	}
	messages = append(messages, api.Message{Role: "user", Content: user})

	stream := false
	options := map[string]interface{}{"temperature": c.temperature}
	if c.maxTokens > 0 {
		options["num_predict"] = c.maxTokens
	}
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Format:   []byte(`"json"`),
		Options:  options,
	}

	var (
		text strings.Builder
		in   int
		out  int
	)
	start := time.Now()
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		text.WriteString(resp.Message.Content)
		if resp.Done {
			in = resp.PromptEvalCount
			out = resp.EvalCount
		}
		return nil
	})
	if err != nil {
		c.Logger.Warn("Ollama 请求失败", zap.String("model", c.model), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("%w: 获得空响应", ErrGeneration)
	}

	c.Logger.Debug("Ollama 请求完成",
		zap.String("model", c.model),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("prompt_tokens", in),
		zap.Int("completion_tokens", out))

	return &Completion{Text: text.String(), InputTokens: in, OutputTokens: out}, nil
}
