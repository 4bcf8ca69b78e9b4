package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIClient 兼容 OpenAI Chat Completions 协议的后端
type OpenAIClient struct {
	Logger      *zap.Logger
	client      *openaigo.Client
	model       string
	maxTokens   int
	temperature float32
}

// NewOpenAIClient 创建 OpenAI 兼容客户端，BaseURL 为空时使用官方地址
func NewOpenAIClient(logger *zap.Logger, cfg Config, httpClient *http.Client) *OpenAIClient {
	oc := openaigo.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if httpClient != nil {
		oc.HTTPClient = httpClient
	}
	return &OpenAIClient{
		Logger:      logger,
		client:      openaigo.NewClientWithConfig(oc),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: float32(cfg.Temperature),
	}
}

// Complete 发送系统提示词与用户输入，返回模型文本
func (c *OpenAIClient) Complete(ctx context.Context, system, user string) (*Completion, error) {
	if strings.TrimSpace(user) == "" {
		return nil, fmt.Errorf("%w: 用户输入为空", ErrGeneration)
	}

	messages := []openaigo.ChatCompletionMessage{}
	if system != "" {
		messages = append(messages, openaigo.ChatCompletionMessage{Role: openaigo.ChatMessageRoleSystem, Content: system})
	}
	messages = append(messages, openaigo.ChatCompletionMessage{Role: openaigo.ChatMessageRoleUser, Content: user})

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openaigo.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		c.Logger.Warn("OpenAI 请求失败", zap.String("model", c.model), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, fmt.Errorf("%w: 获得空响应", ErrGeneration)
	}

	c.Logger.Debug("OpenAI 请求完成",
		zap.String("model", c.model),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens))

	return &Completion{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}
