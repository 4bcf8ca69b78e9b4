/*占位图生成*/
package image

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/color"
	"math/rand"
	"os"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"go.uber.org/zap"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

// Placeholder 扩散模型不可用时的本地占位图后端：
// 按种子生成固定的背景与几何图形，并把提示词写在画面中央
type Placeholder struct {
	logger   *zap.Logger
	fontPath string
	fontSize float64
}

// NewPlaceholder fontPath 为空或无法加载时使用内置字体
func NewPlaceholder(logger *zap.Logger, fontPath string) *Placeholder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Placeholder{logger: logger, fontPath: fontPath, fontSize: 40}
}

// Generate 生成占位 PNG，相同种子得到相同画面
func (p *Placeholder) Generate(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	width, height := req.Width, req.Height
	if width <= 0 || height <= 0 {
		width, height = DefaultWidth, DefaultHeight
	}

	rng := rand.New(rand.NewSource(req.Seed))
	dc := gg.NewContext(width, height)

	dc.SetColor(color.RGBA{R: uint8(rng.Intn(96)), G: uint8(rng.Intn(96)), B: uint8(rng.Intn(96)), A: 255})
	dc.Clear()

	for i := 0; i < 20; i++ {
		dc.SetColor(color.RGBA{
			R: uint8(rng.Intn(256)),
			G: uint8(rng.Intn(256)),
			B: uint8(rng.Intn(256)),
			A: 100,
		})
		dc.DrawCircle(rng.Float64()*float64(width), rng.Float64()*float64(height), 20+rng.Float64()*50)
		dc.Fill()
	}

	face, err := p.loadFace()
	if err != nil {
		return nil, err
	}
	dc.SetFontFace(face)

	margin := float64(width) * 0.1
	textWidth := float64(width) - 2*margin
	// 阴影
	dc.SetRGB(0, 0, 0)
	dc.DrawStringWrapped(req.Prompt, float64(width)/2+2, float64(height)/2+2, 0.5, 0.5, textWidth, 1.4, gg.AlignCenter)
	dc.SetRGB(1, 1, 1)
	dc.DrawStringWrapped(req.Prompt, float64(width)/2, float64(height)/2, 0.5, 0.5, textWidth, 1.4, gg.AlignCenter)

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("编码占位图失败: %w", err)
	}
	p.logger.Info("已生成占位图",
		zap.Int("width", width),
		zap.Int("height", height),
		zap.String("outcome", "fallback_image"))
	return buf.Bytes(), nil
}

func (p *Placeholder) loadFace() (font.Face, error) {
	if p.fontPath != "" {
		if fontBytes, err := os.ReadFile(p.fontPath); err == nil {
			if parsed, err := truetype.Parse(fontBytes); err == nil {
				return truetype.NewFace(parsed, &truetype.Options{Size: p.fontSize}), nil
			}
		}
		p.logger.Warn("加载字体失败，使用内置字体", zap.String("font_path", p.fontPath))
	}
	parsed, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("解析内置字体失败: %w", err)
	}
	return truetype.NewFace(parsed, &truetype.Options{Size: p.fontSize}), nil
}

// Fallback 主后端失败时改用占位后端。资源不足错误原样返回，交给 GenerateWithRetry 处理。
type Fallback struct {
	Primary   Backend
	Secondary Backend
	Logger    *zap.Logger
}

func (f *Fallback) Generate(ctx context.Context, req Request) ([]byte, error) {
	data, err := f.Primary.Generate(ctx, req)
	if err == nil {
		return data, nil
	}
	if ctx.Err() != nil || errors.Is(err, ErrResourceExhausted) {
		return nil, err
	}
	if f.Logger != nil {
		f.Logger.Warn("主图像后端失败，改用占位图", zap.Error(err), zap.String("outcome", "fallback_image"))
	}
	return f.Secondary.Generate(ctx, req)
}
