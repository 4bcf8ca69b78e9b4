package storyboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/screamatthewind/novel/pkg/attributes"
	"github.com/screamatthewind/novel/pkg/metrics"
	"github.com/screamatthewind/novel/pkg/scene"
	"github.com/screamatthewind/novel/pkg/tools/llm"
)

var (
	// ErrTransport 后端调用本身失败
	ErrTransport = errors.New("分镜分析后端调用失败")
	// ErrParse 后端有返回，但内容无法解析为分析结果
	ErrParse = errors.New("分镜分析结果解析失败")
)

// ConfidenceThreshold 属性变更被采纳所需的最低置信度（含）
const ConfidenceThreshold = 0.8

// Stats 分析统计
type Stats struct {
	CacheHits         int `json:"cache_hits"`
	CacheMisses       int `json:"cache_misses"`
	APICalls          int `json:"api_calls"`
	TotalInputTokens  int `json:"total_input_tokens"`
	TotalOutputTokens int `json:"total_output_tokens"`
}

// Options 分析器依赖
type Options struct {
	Store          Store
	Backend        llm.Client
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	ImagesDir      string
	RebuildCache   bool
	Pricing        Pricing
	BackendTimeout time.Duration
}

// Analyzer 缓存优先的分镜分析器
type Analyzer struct {
	store   Store
	backend llm.Client
	logger  *zap.Logger
	metrics *metrics.Metrics

	imagesDir string
	rebuild   bool
	pricing   Pricing
	timeout   time.Duration

	group singleflight.Group

	mu    sync.Mutex
	stats Stats
}

// NewAnalyzer 创建分析器。Store 与 Backend 为必填项。
func NewAnalyzer(opts Options) (*Analyzer, error) {
	if opts.Store == nil {
		return nil, errors.New("分镜分析器缺少缓存存储")
	}
	if opts.Backend == nil {
		return nil, errors.New("分镜分析器缺少文本后端")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Pricing == (Pricing{}) {
		opts.Pricing = DefaultPricing()
	}
	if opts.BackendTimeout <= 0 {
		opts.BackendTimeout = 90 * time.Second
	}
	return &Analyzer{
		store:     opts.Store,
		backend:   opts.Backend,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		imagesDir: opts.ImagesDir,
		rebuild:   opts.RebuildCache,
		pricing:   opts.Pricing,
		timeout:   opts.BackendTimeout,
	}, nil
}

// AnalyzeSentence 缓存优先地分析一句话。
// 命中时原样返回缓存结果；未命中时恰好调用一次后端并在返回前写入缓存。
// 后端失败或结果无法解析时返回低置信度默认分析，不会返回错误。
func (a *Analyzer) AnalyzeSentence(ctx context.Context, s scene.Sentence, characterContext, sceneContinuity string) *Analysis {
	key := CacheKey(s)
	v, _, _ := a.group.Do(key, func() (interface{}, error) {
		if !a.rebuild {
			if cached, ok := a.lookup(ctx, key); ok {
				return cached, nil
			}
		} else {
			a.countMiss()
		}
		return a.analyzeFresh(ctx, key, s, characterContext, sceneContinuity), nil
	})
	return v.(*Analysis)
}

// lookup 读取并解码缓存；损坏的条目视为未命中
func (a *Analyzer) lookup(ctx context.Context, key string) (*Analysis, bool) {
	data, err := a.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			a.logger.Warn("读取分镜缓存失败", zap.String("cache_key", key), zap.Error(err))
		}
		a.countMiss()
		return nil, false
	}

	var cached Analysis
	if err := json.Unmarshal(data, &cached); err != nil {
		a.logger.Warn("分镜缓存条目损坏，重新分析",
			zap.String("cache_key", key),
			zap.String("outcome", "cache_corrupt"),
			zap.Error(err))
		a.metrics.CacheLookup("corrupt")
		a.countMiss()
		return nil, false
	}
	cached.normalize()

	a.mu.Lock()
	a.stats.CacheHits++
	a.mu.Unlock()
	a.metrics.CacheLookup("hit")
	a.logger.Debug("分镜缓存命中", zap.String("cache_key", key), zap.String("outcome", "cache_hit"))
	return &cached, true
}

func (a *Analyzer) countMiss() {
	a.mu.Lock()
	a.stats.CacheMisses++
	a.mu.Unlock()
	a.metrics.CacheLookup("miss")
}

func (a *Analyzer) analyzeFresh(ctx context.Context, key string, s scene.Sentence, characterContext, sceneContinuity string) *Analysis {
	a.logger.Info("调用分镜分析后端",
		zap.Int("chapter", s.ChapterNum),
		zap.Int("scene", s.SceneNum),
		zap.Int("sentence", s.SentenceNum),
		zap.String("outcome", "cache_miss"))

	analysis, err := a.callBackend(ctx, s, characterContext, sceneContinuity)
	if err != nil {
		reason := "transport_failure"
		if errors.Is(err, ErrParse) {
			reason = "parse_failure"
		}
		a.logger.Warn("分镜分析失败，使用默认分析",
			zap.String("cache_key", key),
			zap.String("outcome", reason),
			zap.Error(err))
		return FallbackAnalysis(s, reason)
	}

	data, err := json.MarshalIndent(analysis, "", "  ")
	if err == nil {
		err = a.store.Put(ctx, key, data)
	}
	if err != nil {
		a.logger.Warn("写入分镜缓存失败", zap.String("cache_key", key), zap.Error(err))
	}
	return analysis
}

// callBackend 调用后端并解析。错误包装 ErrTransport 或 ErrParse。
// 只要后端返回了内容，token 与调用次数就会计入统计，即使随后解析失败。
func (a *Analyzer) callBackend(ctx context.Context, s scene.Sentence, characterContext, sceneContinuity string) (*Analysis, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	resp, err := a.backend.Complete(callCtx, SystemPrompt, BuildUserPrompt(s, characterContext, sceneContinuity))
	elapsed := time.Since(start).Seconds()
	if err != nil {
		a.metrics.BackendCall("transport_failure", elapsed)
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	a.mu.Lock()
	a.stats.APICalls++
	a.stats.TotalInputTokens += resp.InputTokens
	a.stats.TotalOutputTokens += resp.OutputTokens
	a.mu.Unlock()
	a.metrics.Tokens(resp.InputTokens, resp.OutputTokens, a.pricing.Cost(resp.InputTokens, resp.OutputTokens))

	analysis, skipped, err := parseAnalysis(resp.Text, s, TokenUsage{Input: resp.InputTokens, Output: resp.OutputTokens})
	if err != nil {
		a.metrics.BackendCall("parse_failure", elapsed)
		return nil, err
	}
	for _, e := range skipped {
		a.logger.Warn("模型输出条目无效，已跳过", zap.Int("sentence", s.SentenceNum), zap.Error(e))
	}
	a.metrics.BackendCall("ok", elapsed)
	return analysis, nil
}

// ChangeResult 一次属性变更的处理结果，Outcome 为 applied、rejected 或 low_confidence
type ChangeResult struct {
	Change  ProposedChange
	Applied bool
	Outcome string
}

// ApplyAttributeChanges 把置信度不低于阈值的属性变更写入状态管理器，返回成功应用的数量
func (a *Analyzer) ApplyAttributeChanges(analysis *Analysis, manager *attributes.Manager, sentenceNum int) int {
	applied := 0
	for _, r := range a.ApplyAttributeChangesDetailed(analysis, manager, sentenceNum) {
		if r.Applied {
			applied++
		}
	}
	return applied
}

// ApplyAttributeChangesDetailed 同 ApplyAttributeChanges，逐条返回处理结果
func (a *Analyzer) ApplyAttributeChangesDetailed(analysis *Analysis, manager *attributes.Manager, sentenceNum int) []ChangeResult {
	if analysis == nil || manager == nil {
		return nil
	}
	results := make([]ChangeResult, 0, len(analysis.AttributeChanges))
	for _, c := range analysis.AttributeChanges {
		if !validConfidence(c.Confidence) || c.Confidence < ConfidenceThreshold {
			a.logger.Info("属性变更置信度不足，跳过",
				zap.String("character", c.CharacterName),
				zap.String("attribute", c.AttributeType),
				zap.Float64("confidence", c.Confidence),
				zap.String("outcome", "attr_low_confidence"))
			a.metrics.AttributeChange("low_confidence")
			results = append(results, ChangeResult{Change: c, Outcome: "low_confidence"})
			continue
		}
		attr, err := attributes.ParseAttribute(c.AttributeType)
		if err != nil {
			a.logger.Warn("属性变更类别无效", zap.String("character", c.CharacterName), zap.Error(err), zap.String("outcome", "attr_rejected"))
			a.metrics.AttributeChange("rejected")
			results = append(results, ChangeResult{Change: c, Outcome: "rejected"})
			continue
		}
		if manager.UpdateAttribute(c.CharacterName, attr, c.NewState, sentenceNum, c.ExplicitMention) {
			a.metrics.AttributeChange("applied")
			results = append(results, ChangeResult{Change: c, Applied: true, Outcome: "applied"})
		} else {
			a.metrics.AttributeChange("rejected")
			results = append(results, ChangeResult{Change: c, Outcome: "rejected"})
		}
	}
	return results
}

// DeleteChapterCacheAndImages 删除某章节的全部分镜缓存与生成的图片
func (a *Analyzer) DeleteChapterCacheAndImages(ctx context.Context, chapterNum int) (int, int, error) {
	cacheDeleted, err := a.store.DeletePrefix(ctx, ChapterPrefix(chapterNum))
	if err != nil {
		a.logger.Warn("删除章节缓存时出错", zap.Int("chapter", chapterNum), zap.Error(err))
	}

	imagesDeleted := 0
	if a.imagesDir != "" {
		matches, globErr := filepath.Glob(filepath.Join(a.imagesDir, fmt.Sprintf("chapter_%02d_*.png", chapterNum)))
		if globErr != nil && err == nil {
			err = globErr
		}
		for _, m := range matches {
			if rmErr := os.Remove(m); rmErr != nil {
				a.logger.Warn("删除图片失败", zap.String("file", m), zap.Error(rmErr))
				continue
			}
			imagesDeleted++
		}
	}

	a.logger.Info("章节缓存已清理",
		zap.Int("chapter", chapterNum),
		zap.Int("cache_deleted", cacheDeleted),
		zap.Int("images_deleted", imagesDeleted))
	return cacheDeleted, imagesDeleted, err
}

// Stats 统计快照
func (a *Analyzer) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Pricing 当前价格表
func (a *Analyzer) Pricing() Pricing { return a.pricing }

// GetCostEstimate 根据累计 token 计算费用与报告
func (a *Analyzer) GetCostEstimate() (float64, string) {
	return CostReport(a.Stats(), a.pricing)
}

// WarmCache 并发读取一批句子的缓存，返回已命中的分析（按缓存键索引）。
// 只做读取，不调用后端，也不修改任何状态机。
func (a *Analyzer) WarmCache(ctx context.Context, sentences []scene.Sentence, concurrency int) (map[string]*Analysis, error) {
	if a.rebuild {
		return map[string]*Analysis{}, nil
	}
	if concurrency <= 0 {
		concurrency = 8
	}

	var (
		mu  sync.Mutex
		out = make(map[string]*Analysis, len(sentences))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, s := range sentences {
		key := CacheKey(s)
		g.Go(func() error {
			data, err := a.store.Get(gctx, key)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return nil
				}
				return err
			}
			var cached Analysis
			if json.Unmarshal(data, &cached) != nil {
				return nil
			}
			cached.normalize()
			mu.Lock()
			out[key] = &cached
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, fmt.Errorf("预读分镜缓存失败: %w", err)
	}
	return out, nil
}
