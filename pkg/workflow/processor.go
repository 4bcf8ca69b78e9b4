package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/screamatthewind/novel/pkg/attributes"
	"github.com/screamatthewind/novel/pkg/broadcast"
	"github.com/screamatthewind/novel/pkg/database"
	"github.com/screamatthewind/novel/pkg/detector"
	"github.com/screamatthewind/novel/pkg/keywords"
	"github.com/screamatthewind/novel/pkg/metrics"
	"github.com/screamatthewind/novel/pkg/prompt"
	"github.com/screamatthewind/novel/pkg/scene"
	"github.com/screamatthewind/novel/pkg/storyboard"
	"github.com/screamatthewind/novel/pkg/tools/file"
	"github.com/screamatthewind/novel/pkg/tools/image"
	"github.com/screamatthewind/novel/pkg/tools/tts"
	"github.com/screamatthewind/novel/pkg/tools/video"
	"github.com/screamatthewind/novel/pkg/types"
)

const toolName = "process_chapter"

// ErrBusy 已有章节正在处理
var ErrBusy = errors.New("已有章节正在处理中")

// Settings 输出目录与图像参数
type Settings struct {
	ChaptersDir     string
	ImagesDir       string
	AudioDir        string
	MetadataDir     string
	VideoDir        string
	Width           int
	Height          int
	Steps           int
	Guidance        float64
	WarmConcurrency int
}

// Dependencies 处理器依赖。Analyzer 只在分镜模式下必需；DB、Broadcast、Metrics、Narrator、Video 可为 nil。
type Dependencies struct {
	Logger    *zap.Logger
	Analyzer  *storyboard.Analyzer
	Images    image.Backend
	Builder   *prompt.Builder
	Roster    *attributes.Roster
	Tables    *keywords.Tables
	Buckets   *detector.Buckets
	DB        *database.GormManager
	Broadcast *broadcast.Service
	Metrics   *metrics.Metrics
	Narrator  *tts.Narrator
	Video     *video.VideoProcessor
}

// ChapterParams 单章处理参数。Text 非空时直接解析文本，否则按 Path 或章节号查找文件。
type ChapterParams struct {
	Number  int
	Path    string
	Text    string
	Mode    string
	Narrate bool
	// DryRun 只做判定：不生成图片和音频，不写映射文件和运行记录
	DryRun bool
}

// SentenceResult 单句处理结果
type SentenceResult struct {
	SceneNum    int    `json:"scene_num"`
	SentenceNum int    `json:"sentence_num"`
	Text        string `json:"text"`
	Generate    bool   `json:"generate"`
	Reason      string `json:"reason"`
	Prompt      string `json:"prompt,omitempty"`
	ImageFile   string `json:"image_file,omitempty"`
	AudioFile   string `json:"audio_file,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ChapterResult 单章处理结果
type ChapterResult struct {
	RunID           string                 `json:"run_id,omitempty"`
	ChapterNum      int                    `json:"chapter_num"`
	Mode            string                 `json:"mode"`
	Status          string                 `json:"status"`
	Message         string                 `json:"message"`
	TotalSentences  int                    `json:"total_sentences"`
	ImagesGenerated int                    `json:"images_generated"`
	ImagesReused    int                    `json:"images_reused"`
	ImagesFailed    int                    `json:"images_failed"`
	MappingFile     string                 `json:"mapping_file,omitempty"`
	Mapping         file.MappingStatistics `json:"mapping"`
	MappingReport   string                 `json:"mapping_report,omitempty"`
	Usage           storyboard.Stats       `json:"usage"`
	Cost            float64                `json:"cost"`
	CostReport      string                 `json:"cost_report,omitempty"`
	Attributes      attributes.Statistics  `json:"attributes"`
	Sentences       []SentenceResult       `json:"sentences"`
}

// Processor 章节流水线：逐句判定复用或生成，生成图片与旁白，记录映射和审计
type Processor struct {
	deps     Dependencies
	settings Settings
	fileTool *file.FileManager
	logger   *zap.Logger

	running sync.Mutex
	busy    atomic.Bool

	mu       sync.Mutex
	managers map[int]*attributes.Manager
}

func NewProcessor(deps Dependencies, settings Settings) (*Processor, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Images == nil {
		return nil, errors.New("缺少图像后端")
	}
	if deps.Roster == nil {
		deps.Roster = attributes.DefaultRoster()
	}
	if deps.Tables == nil {
		deps.Tables = keywords.DefaultTables()
	}
	if deps.Buckets == nil {
		deps.Buckets = detector.DefaultBuckets()
	}
	if deps.Builder == nil {
		deps.Builder = prompt.NewBuilder(nil, deps.Roster, deps.Tables, deps.Logger)
	}
	if settings.Width <= 0 || settings.Height <= 0 {
		settings.Width, settings.Height = image.DefaultWidth, image.DefaultHeight
	}
	if settings.Steps <= 0 {
		settings.Steps = image.DefaultSteps
	}
	if settings.Guidance <= 0 {
		settings.Guidance = image.DefaultGuidance
	}
	return &Processor{
		deps:     deps,
		settings: settings,
		fileTool: file.NewFileManager(),
		logger:   deps.Logger,
		managers: make(map[int]*attributes.Manager),
	}, nil
}

// Analyzer 分镜分析器，未配置时为 nil
func (p *Processor) Analyzer() *storyboard.Analyzer { return p.deps.Analyzer }

// Settings 当前设置
func (p *Processor) Settings() Settings { return p.settings }

// Busy 是否有章节正在处理
func (p *Processor) Busy() bool { return p.busy.Load() }

// Tables 关键词词表
func (p *Processor) Tables() *keywords.Tables { return p.deps.Tables }

// DB 审计数据库，未配置时为 nil
func (p *Processor) DB() *database.GormManager { return p.deps.DB }

// ChapterManager 返回章节的属性状态管理器，不存在时创建
func (p *Processor) ChapterManager(chapterNum int) *attributes.Manager {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.managers[chapterNum]
	if !ok {
		m = attributes.NewManager(p.logger, p.deps.Roster, chapterNum)
		p.managers[chapterNum] = m
	}
	return m
}

func (p *Processor) setManager(chapterNum int, m *attributes.Manager) {
	p.mu.Lock()
	p.managers[chapterNum] = m
	p.mu.Unlock()
}

func (p *Processor) loadSentences(params ChapterParams) (int, []scene.Sentence, error) {
	if params.Text != "" {
		_, sentences := scene.ParseChapterText(params.Number, params.Text)
		return params.Number, sentences, nil
	}
	path := params.Path
	if path == "" {
		found, err := scene.FindChapterFile(p.settings.ChaptersDir, params.Number)
		if err != nil {
			return 0, nil, err
		}
		path = found
	}
	chapterNum, err := scene.ExtractChapterNumber(path)
	if err != nil {
		return 0, nil, err
	}
	_, sentences, err := scene.ParseChapterFile(path)
	if err != nil {
		return 0, nil, err
	}
	return chapterNum, sentences, nil
}

// chapterRun 单次运行期间的可变状态，按句子顺序串行修改
type chapterRun struct {
	params   ChapterParams
	result   *ChapterResult
	run      *database.RunSession
	manager  *attributes.Manager
	history  *storyboard.SceneVisualHistory
	keyword  *detector.KeywordDetector
	board    *detector.StoryboardDetector
	mapping  *file.ImageMapping
	current  string
	sceneNum int
}

// ProcessChapter 处理单个章节
func (p *Processor) ProcessChapter(ctx context.Context, params ChapterParams) (*ChapterResult, error) {
	if params.Mode == "" {
		params.Mode = detector.ModeStoryboard
	}
	if params.Mode != detector.ModeStoryboard && params.Mode != detector.ModeKeyword {
		return nil, fmt.Errorf("未知的处理模式: %s", params.Mode)
	}
	if params.Mode == detector.ModeStoryboard && p.deps.Analyzer == nil {
		return nil, errors.New("分镜模式需要配置分镜分析器")
	}
	if !params.DryRun {
		if !p.running.TryLock() {
			return nil, ErrBusy
		}
		p.busy.Store(true)
		defer func() {
			p.busy.Store(false)
			p.running.Unlock()
		}()
	}

	chapterNum, sentences, err := p.loadSentences(params)
	if err != nil {
		return nil, err
	}
	if len(sentences) == 0 {
		return nil, fmt.Errorf("第 %d 章没有可处理的句子", chapterNum)
	}

	logger := p.logger.With(zap.Int("chapter", chapterNum), zap.String("mode", params.Mode))
	logger.Info("开始处理章节", zap.Int("sentences", len(sentences)), zap.Bool("dry_run", params.DryRun))

	if !params.DryRun {
		if err := p.fileTool.PrepareOutput(file.OutputLayout{
			ImagesDir:   p.settings.ImagesDir,
			AudioDir:    p.settings.AudioDir,
			MetadataDir: p.settings.MetadataDir,
		}); err != nil {
			return nil, err
		}
	}

	var before storyboard.Stats
	if p.deps.Analyzer != nil {
		before = p.deps.Analyzer.Stats()
	}

	cr := &chapterRun{
		params:  params,
		result:  &ChapterResult{ChapterNum: chapterNum, Mode: params.Mode, TotalSentences: len(sentences)},
		manager: attributes.NewManager(logger, p.deps.Roster, chapterNum),
		history: storyboard.NewSceneVisualHistory(),
		keyword: detector.NewKeywordDetector(p.deps.Tables, logger),
		board:   detector.NewStoryboardDetector(p.deps.Buckets, logger),
		mapping: file.NewImageMapping(chapterNum),
	}
	if !params.DryRun {
		p.setManager(chapterNum, cr.manager)
		if p.deps.DB != nil {
			run, err := p.deps.DB.StartRun(chapterNum, params.Mode)
			if err != nil {
				logger.Warn("创建运行记录失败", zap.Error(err))
			} else {
				cr.run = run
				cr.result.RunID = run.RunID
			}
		}
	}

	if params.Mode == detector.ModeStoryboard {
		warm, err := p.deps.Analyzer.WarmCache(ctx, sentences, p.settings.WarmConcurrency)
		if err != nil {
			logger.Warn("预读缓存失败", zap.Error(err))
		}
		logger.Info("预读分镜缓存完成", zap.Int("cached", len(warm)), zap.Int("total", len(sentences)))
	}

	var runErr error
	for i, s := range sentences {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		res, err := p.processSentence(ctx, cr, s, logger)
		cr.result.Sentences = append(cr.result.Sentences, res)
		if err != nil {
			runErr = err
			break
		}
		p.publish(types.EventDecision, fmt.Sprintf("第 %d 章 %d/%d", chapterNum, i+1, len(sentences)), types.DecisionEvent{
			RunID:       cr.result.RunID,
			ChapterNum:  chapterNum,
			SceneNum:    s.SceneNum,
			SentenceNum: s.SentenceNum,
			Total:       len(sentences),
			Generate:    res.Generate,
			Reason:      res.Reason,
			ImageFile:   res.ImageFile,
		})
	}

	p.summarize(cr, before, logger)
	if runErr != nil {
		cr.result.Status = string(database.StatusFailed)
		cr.result.Message = runErr.Error()
		p.finishRun(cr, database.StatusFailed, runErr.Error(), logger)
		p.publish(types.EventError, fmt.Sprintf("第 %d 章处理中断: %v", chapterNum, runErr), nil)
		return cr.result, fmt.Errorf("处理第 %d 章失败: %w", chapterNum, runErr)
	}

	cr.result.Status = string(database.StatusCompleted)
	cr.result.Message = "章节处理完成"
	p.finishRun(cr, database.StatusCompleted, "", logger)
	p.publish(types.EventDone, fmt.Sprintf("第 %d 章处理完成", chapterNum), cr.result.Mapping)
	logger.Info("章节处理完成",
		zap.Int("generated", cr.result.ImagesGenerated),
		zap.Int("reused", cr.result.ImagesReused),
		zap.Int("failed", cr.result.ImagesFailed),
		zap.Float64("cost", cr.result.Cost))
	return cr.result, nil
}

// enterScene 场景切换：检测器基线与视觉历史清空，角色属性保留
func (cr *chapterRun) enterScene(sceneNum int) {
	if cr.sceneNum == sceneNum {
		return
	}
	if cr.sceneNum != 0 {
		cr.keyword.Reset()
		cr.board.Reset()
		cr.history.Reset()
	}
	cr.manager.ResetForNewScene(sceneNum)
	cr.sceneNum = sceneNum
}

// processSentence 先判定再生成。生成失败只影响本句图片，已提交的判定状态不回滚。
// 只有 ctx 取消时返回错误。
func (p *Processor) processSentence(ctx context.Context, cr *chapterRun, s scene.Sentence, logger *zap.Logger) (SentenceResult, error) {
	cr.enterScene(s.SceneNum)
	res := SentenceResult{SceneNum: s.SceneNum, SentenceNum: s.SentenceNum, Text: s.Content}

	var (
		decision detector.Decision
		cacheKey string
	)
	switch cr.params.Mode {
	case detector.ModeStoryboard:
		names := p.deps.Tables.ExtractCharacters(s.Content)
		analysis := p.deps.Analyzer.AnalyzeSentence(ctx, s,
			cr.manager.CharacterContext(names),
			cr.history.ContinuityContext(cr.manager))
		cacheKey = storyboard.CacheKey(s)
		changes := p.deps.Analyzer.ApplyAttributeChangesDetailed(analysis, cr.manager, s.SentenceNum)
		p.recordChanges(cr, s, changes, logger)
		decision = cr.board.Decide(analysis)
		cr.history.Update(analysis, cr.manager)
		if decision.Generate {
			res.Prompt = p.deps.Builder.Storyboard(analysis, cr.manager)
		}
	default:
		_, decision = cr.keyword.Decide(s)
		if decision.Generate {
			res.Prompt = p.deps.Builder.Keyword(s.Content, s.SceneContext)
		}
	}
	res.Generate, res.Reason = decision.Generate, decision.Reason
	p.deps.Metrics.Decision(cr.params.Mode, decision.Generate)

	filename := p.deps.Builder.ImageFilename(s.ChapterNum, s.SceneNum, s.SentenceNum, s.Content, s.SceneContext)
	res.AudioFile = strings.TrimSuffix(filename, ".png") + ".wav"

	if decision.Generate {
		if cr.params.DryRun {
			cr.current = filename
			cr.result.ImagesGenerated++
		} else if err := p.generateImage(ctx, res.Prompt, s, filepath.Join(p.settings.ImagesDir, filename), logger); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Error = err.Error()
			cr.result.ImagesFailed++
		} else {
			cr.current = filename
			cr.result.ImagesGenerated++
		}
	} else {
		cr.result.ImagesReused++
	}
	res.ImageFile = cr.current

	if cr.current != "" {
		cr.mapping.AddMapping(res.AudioFile, cr.current, s.SentenceNum, s.SceneNum, decision.Reason)
	} else {
		logger.Warn("尚无可用图片，跳过映射", zap.Int("scene", s.SceneNum), zap.Int("sentence", s.SentenceNum))
	}

	if cr.params.Narrate && !cr.params.DryRun && p.deps.Narrator != nil {
		if _, err := p.deps.Narrator.NarrateToFile(ctx, s.Content, filepath.Join(p.settings.AudioDir, res.AudioFile)); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			logger.Warn("旁白生成失败", zap.Int("sentence", s.SentenceNum), zap.Error(err))
		}
	}

	if cr.run != nil {
		if err := p.deps.DB.RecordDecision(&database.SentenceDecision{
			RunSessionID: cr.run.ID,
			ChapterNum:   s.ChapterNum,
			SceneNum:     s.SceneNum,
			SentenceNum:  s.SentenceNum,
			Mode:         cr.params.Mode,
			Generate:     decision.Generate,
			Reason:       decision.Reason,
			Prompt:       res.Prompt,
			ImageFile:    res.ImageFile,
			CacheKey:     cacheKey,
		}); err != nil {
			logger.Warn("保存决策记录失败", zap.Error(err))
		}
	}
	return res, nil
}

func (p *Processor) recordChanges(cr *chapterRun, s scene.Sentence, changes []storyboard.ChangeResult, logger *zap.Logger) {
	if cr.run == nil {
		return
	}
	for _, c := range changes {
		if err := p.deps.DB.RecordAttributeChange(&database.AttributeChangeRecord{
			RunSessionID: cr.run.ID,
			ChapterNum:   s.ChapterNum,
			SentenceNum:  s.SentenceNum,
			Character:    c.Change.CharacterName,
			Attribute:    c.Change.AttributeType,
			NewValue:     c.Change.NewState,
			Reason:       c.Change.ExplicitMention,
			Confidence:   c.Change.Confidence,
			Applied:      c.Applied,
		}); err != nil {
			logger.Warn("保存属性变更记录失败", zap.Error(err))
		}
	}
}

// generateImage 调用图像后端（资源不足时降分辨率重试一次）并保存。已存在的同名文件直接复用。
func (p *Processor) generateImage(ctx context.Context, promptText string, s scene.Sentence, path string, logger *zap.Logger) error {
	if _, err := os.Stat(path); err == nil {
		logger.Info("图片已存在，跳过生成", zap.String("file", path))
		p.deps.Metrics.Image("exists")
		return nil
	}
	req := image.Request{
		Prompt:         promptText,
		NegativePrompt: prompt.NegativePrompt,
		Width:          p.settings.Width,
		Height:         p.settings.Height,
		Steps:          p.settings.Steps,
		GuidanceScale:  p.settings.Guidance,
		Seed:           prompt.Seed(s.ChapterNum, s.SceneNum, s.SentenceNum),
	}
	data, used, err := image.GenerateWithRetry(ctx, p.deps.Images, req, logger)
	if used.Width != req.Width {
		p.deps.Metrics.Image("oom_retry")
	}
	if err != nil {
		p.deps.Metrics.Image("failed")
		logger.Error("图片生成失败",
			zap.Int("scene", s.SceneNum),
			zap.Int("sentence", s.SentenceNum),
			zap.Error(err))
		return err
	}
	if err := image.SaveImage(path, data); err != nil {
		p.deps.Metrics.Image("failed")
		return err
	}
	p.deps.Metrics.Image("ok")
	logger.Info("图片已生成", zap.String("file", path), zap.Int("width", used.Width), zap.Int("height", used.Height))
	return nil
}

// summarize 汇总映射统计、本次运行的 token 用量与费用
func (p *Processor) summarize(cr *chapterRun, before storyboard.Stats, logger *zap.Logger) {
	cr.result.Mapping = cr.mapping.Statistics()
	cr.result.MappingReport = cr.mapping.Report()
	cr.result.Attributes = cr.manager.GetStatistics()

	if p.deps.Analyzer != nil {
		after := p.deps.Analyzer.Stats()
		usage := storyboard.Stats{
			CacheHits:         after.CacheHits - before.CacheHits,
			CacheMisses:       after.CacheMisses - before.CacheMisses,
			APICalls:          after.APICalls - before.APICalls,
			TotalInputTokens:  after.TotalInputTokens - before.TotalInputTokens,
			TotalOutputTokens: after.TotalOutputTokens - before.TotalOutputTokens,
		}
		cr.result.Usage = usage
		cr.result.Cost, cr.result.CostReport = storyboard.CostReport(usage, p.deps.Analyzer.Pricing())
	}

	if cr.params.DryRun {
		return
	}
	path, err := cr.mapping.Save(p.settings.MetadataDir)
	if err != nil {
		logger.Warn("保存图片映射失败", zap.Error(err))
	} else {
		cr.result.MappingFile = path
	}
	if p.deps.DB != nil && cr.result.Usage.APICalls > 0 {
		name := fmt.Sprintf("chapter_%02d_%s", cr.result.ChapterNum, cr.params.Mode)
		if _, err := p.deps.DB.RecordCostSession(name,
			cr.result.Usage.TotalInputTokens, cr.result.Usage.TotalOutputTokens,
			cr.result.Usage.APICalls, cr.result.Cost); err != nil {
			logger.Warn("保存费用记录失败", zap.Error(err))
		}
	}
}

func (p *Processor) finishRun(cr *chapterRun, status database.ProcessStatus, errMsg string, logger *zap.Logger) {
	if cr.run == nil {
		return
	}
	cr.run.TotalSentences = cr.result.TotalSentences
	cr.run.ImagesGenerated = cr.result.ImagesGenerated
	cr.run.ImagesReused = cr.result.ImagesReused
	cr.run.CacheHits = cr.result.Usage.CacheHits
	cr.run.CacheMisses = cr.result.Usage.CacheMisses
	cr.run.APICalls = cr.result.Usage.APICalls
	cr.run.InputTokens = cr.result.Usage.TotalInputTokens
	cr.run.OutputTokens = cr.result.Usage.TotalOutputTokens
	cr.run.EstimatedCost = cr.result.Cost
	if err := p.deps.DB.FinishRun(cr.run, status, errMsg); err != nil {
		logger.Warn("更新运行记录失败", zap.Error(err))
	}
}

func (p *Processor) publish(eventType, msg string, data interface{}) {
	if p.deps.Broadcast == nil {
		return
	}
	p.deps.Broadcast.SendEvent(toolName, eventType, msg, data)
}

// DeleteChapterCache 清理章节缓存与图片，同时丢弃该章节的属性状态
func (p *Processor) DeleteChapterCache(ctx context.Context, chapterNum int) (int, int, error) {
	if p.deps.Analyzer == nil {
		return 0, 0, errors.New("未配置分镜分析器")
	}
	p.mu.Lock()
	delete(p.managers, chapterNum)
	p.mu.Unlock()
	return p.deps.Analyzer.DeleteChapterCacheAndImages(ctx, chapterNum)
}
