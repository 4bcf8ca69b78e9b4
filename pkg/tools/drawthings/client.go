package drawthings

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/screamatthewind/novel/pkg/tools/image"
)

// ErrResourceExhausted 与 image.ErrResourceExhausted 相同，便于调用方直接判断
var ErrResourceExhausted = image.ErrResourceExhausted

// Config DrawThings / SD WebUI 连接参数
type Config struct {
	BaseURL    string        `mapstructure:"base_url"`
	Model      string        `mapstructure:"model"`
	Sampler    string        `mapstructure:"sampler"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// DrawThingsClient 封装 DrawThings API 调用，实现 image.Backend
type DrawThingsClient struct {
	BaseURL    string
	Logger     *zap.Logger
	HTTPClient *http.Client

	model      string
	sampler    string
	maxRetries int
	// initialInterval 重试初始间隔，测试中可调小
	initialInterval time.Duration

	mu           sync.Mutex
	apiAvailable bool
}

// NewDrawThingsClient 创建客户端。不在构造时探测连通性，首次请求前才检查。
func NewDrawThingsClient(logger *zap.Logger, cfg Config) *DrawThingsClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:7860"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second // 图像生成可能需要较长时间
	}
	if cfg.Sampler == "" {
		cfg.Sampler = "DPM++ 2M Karras"
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &DrawThingsClient{
		BaseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		Logger:          logger,
		HTTPClient:      &http.Client{Timeout: cfg.Timeout},
		model:           cfg.Model,
		sampler:         cfg.Sampler,
		maxRetries:      cfg.MaxRetries,
		initialInterval: 2 * time.Second,
	}
}

// Txt2ImgRequest 文生图请求参数
type Txt2ImgRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"steps"`
	Seed           int64   `json:"seed"`
	SamplerName    string  `json:"sampler"`
	GuidanceScale  float64 `json:"cfg_scale"`
	BatchSize      int     `json:"batch_size"`
	Model          string  `json:"model,omitempty"`
}

// Img2ImgRequest 图生图请求参数，用于角色参考图
type Img2ImgRequest struct {
	InitImages     []string `json:"init_images"`
	Strength       float64  `json:"strength"`
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt"`
	Width          int      `json:"width"`
	Height         int      `json:"height"`
	Steps          int      `json:"steps"`
	Seed           int64    `json:"seed"`
	SamplerName    string   `json:"sampler"`
	GuidanceScale  float64  `json:"cfg_scale"`
	BatchSize      int      `json:"batch_size"`
	Model          string   `json:"model,omitempty"`
}

// ImagesResponse 文生图与图生图共用的响应
type ImagesResponse struct {
	Images     []string               `json:"images"` // Base64编码的图像数据
	Parameters map[string]interface{} `json:"parameters"`
	Info       string                 `json:"info"`
}

// CheckAPIAvailability 检查API是否可用，只要能连接就认为可用
func (c *DrawThingsClient) CheckAPIAvailability(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL, nil)
	if err != nil {
		c.Logger.Error("创建API可用性检查请求失败", zap.Error(err))
		c.setAvailable(false)
		return false
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.Logger.Info("DrawThings API不可用", zap.String("url", c.BaseURL), zap.Error(err))
		c.setAvailable(false)
		return false
	}
	resp.Body.Close()
	c.Logger.Info("DrawThings API可用", zap.String("url", c.BaseURL))
	c.setAvailable(true)
	return true
}

// APIAvailable 最近一次探测结果
func (c *DrawThingsClient) APIAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apiAvailable
}

func (c *DrawThingsClient) setAvailable(v bool) {
	c.mu.Lock()
	c.apiAvailable = v
	c.mu.Unlock()
}

// Generate 实现 image.Backend：有参考图时走图生图，否则文生图，返回 PNG 数据
func (c *DrawThingsClient) Generate(ctx context.Context, req image.Request) ([]byte, error) {
	var (
		resp *ImagesResponse
		err  error
	)
	if len(req.InitImage) > 0 {
		strength := req.Strength
		if strength <= 0 {
			strength = 0.7
		}
		resp, err = c.Img2Img(ctx, Img2ImgRequest{
			InitImages:     []string{base64.StdEncoding.EncodeToString(req.InitImage)},
			Strength:       strength,
			Prompt:         req.Prompt,
			NegativePrompt: req.NegativePrompt,
			Width:          req.Width,
			Height:         req.Height,
			Steps:          req.Steps,
			Seed:           req.Seed,
			SamplerName:    c.sampler,
			GuidanceScale:  req.GuidanceScale,
			BatchSize:      1,
			Model:          c.model,
		})
	} else {
		resp, err = c.Txt2Img(ctx, Txt2ImgRequest{
			Prompt:         req.Prompt,
			NegativePrompt: req.NegativePrompt,
			Width:          req.Width,
			Height:         req.Height,
			Steps:          req.Steps,
			Seed:           req.Seed,
			SamplerName:    c.sampler,
			GuidanceScale:  req.GuidanceScale,
			BatchSize:      1,
			Model:          c.model,
		})
	}
	if err != nil {
		return nil, err
	}
	if len(resp.Images) == 0 {
		return nil, fmt.Errorf("API返回的图像数量为0")
	}
	return DecodeBase64Image(resp.Images[0])
}

// Txt2Img 文生图
func (c *DrawThingsClient) Txt2Img(ctx context.Context, params Txt2ImgRequest) (*ImagesResponse, error) {
	c.Logger.Info("发送文生图请求",
		zap.String("prompt", params.Prompt),
		zap.Int("width", params.Width),
		zap.Int("height", params.Height),
		zap.Int64("seed", params.Seed))
	return c.post(ctx, "/sdapi/v1/txt2img", params)
}

// Img2Img 图生图
func (c *DrawThingsClient) Img2Img(ctx context.Context, params Img2ImgRequest) (*ImagesResponse, error) {
	c.Logger.Info("发送图生图请求",
		zap.String("prompt", params.Prompt),
		zap.Int("init_images_count", len(params.InitImages)))
	return c.post(ctx, "/sdapi/v1/img2img", params)
}

// post 发送请求。资源不足与客户端错误不重试，网络错误与 5xx 按退避策略重试。
func (c *DrawThingsClient) post(ctx context.Context, path string, params interface{}) (*ImagesResponse, error) {
	if !c.APIAvailable() && !c.CheckAPIAvailability(ctx) {
		return nil, fmt.Errorf("DrawThings API不可用，请确保服务正在运行在 %s", c.BaseURL)
	}

	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("序列化请求参数失败: %w", err)
	}

	var result *ImagesResponse
	operation := func() error {
		r, err := c.do(ctx, c.BaseURL+path, payload)
		if err != nil {
			if errors.Is(err, ErrResourceExhausted) || ctx.Err() != nil || isClientError(err) {
				return backoff.Permanent(err)
			}
			c.Logger.Warn("图像请求失败，准备重试", zap.Error(err))
			return err
		}
		result = r
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	c.Logger.Info("图像请求成功", zap.Int("images_count", len(result.Images)))
	return result, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("API返回错误状态码 %d: %s", e.code, e.body)
}

func isClientError(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code >= 400 && se.code < 500
}

func (c *DrawThingsClient) do(ctx context.Context, endpoint string, payload []byte) (*ImagesResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.setAvailable(false)
		return nil, fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if isOutOfMemory(resp.StatusCode, string(body)) {
			c.Logger.Warn("图像后端显存不足", zap.Int("status", resp.StatusCode))
			return nil, fmt.Errorf("%w: %s", ErrResourceExhausted, strings.TrimSpace(string(body)))
		}
		c.Logger.Error("API返回错误状态码", zap.Int("status", resp.StatusCode), zap.String("body", string(body)))
		return nil, &statusError{code: resp.StatusCode, body: string(body)}
	}

	var result ImagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}
	return &result, nil
}

// isOutOfMemory 识别显存不足：507 状态码或响应中含 out of memory 字样
func isOutOfMemory(status int, body string) bool {
	if status == http.StatusInsufficientStorage {
		return true
	}
	lower := strings.ToLower(body)
	return strings.Contains(lower, "out of memory") || strings.Contains(lower, "outofmemory")
}

// DecodeBase64Image 解码 Base64 图像数据，兼容 data URL 前缀
func DecodeBase64Image(data string) ([]byte, error) {
	if _, after, ok := strings.Cut(data, ";base64,"); ok {
		data = after
	}
	img, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("解码Base64图像数据失败: %w", err)
	}
	return img, nil
}
