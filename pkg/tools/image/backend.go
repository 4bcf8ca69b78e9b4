package image

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// ErrResourceExhausted 后端显存/内存不足，调用方可以降低分辨率重试
var ErrResourceExhausted = errors.New("图像后端资源不足")

// 默认生成参数
const (
	DefaultWidth    = 1080
	DefaultHeight   = 1920
	DefaultSteps    = 30
	DefaultGuidance = 7.5
)

// Request 一次文生图请求。InitImage 非空时以其为参考图（图生图）。
type Request struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Steps          int
	GuidanceScale  float64
	Seed           int64
	InitImage      []byte
	Strength       float64
}

// Backend 图像生成后端，返回 PNG 数据
type Backend interface {
	Generate(ctx context.Context, req Request) ([]byte, error)
}

// ReducedSize 宽高各取 75%，向下取整到 8 的倍数
func ReducedSize(width, height int) (int, int) {
	return int(float64(width)*0.75) / 8 * 8, int(float64(height)*0.75) / 8 * 8
}

// GenerateWithRetry 生成图像；资源不足时以 75% 分辨率重试一次。
// 返回实际使用的请求参数。其他错误直接返回。
func GenerateWithRetry(ctx context.Context, backend Backend, req Request, logger *zap.Logger) ([]byte, Request, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	data, err := backend.Generate(ctx, req)
	if err == nil {
		return data, req, nil
	}
	if !errors.Is(err, ErrResourceExhausted) {
		return nil, req, err
	}

	retry := req
	retry.Width, retry.Height = ReducedSize(req.Width, req.Height)
	logger.Warn("图像后端资源不足，降低分辨率重试",
		zap.Int("width", retry.Width),
		zap.Int("height", retry.Height),
		zap.String("outcome", "oom_retry"))

	data, err = backend.Generate(ctx, retry)
	if err != nil {
		return nil, retry, fmt.Errorf("降低分辨率后仍然失败: %w", err)
	}
	return data, retry, nil
}

// SaveImage 写入图像文件，必要时创建目录
func SaveImage(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("创建输出目录失败: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("保存图像文件失败: %w", err)
	}
	return nil
}
