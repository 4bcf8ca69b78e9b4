package main

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/screamatthewind/novel/pkg/broadcast"
	"github.com/screamatthewind/novel/pkg/config"
	"github.com/screamatthewind/novel/pkg/database"
	"github.com/screamatthewind/novel/pkg/keywords"
	"github.com/screamatthewind/novel/pkg/mcp"
	"github.com/screamatthewind/novel/pkg/metrics"
	"github.com/screamatthewind/novel/pkg/prompt"
	"github.com/screamatthewind/novel/pkg/storyboard"
	"github.com/screamatthewind/novel/pkg/tools/drawthings"
	"github.com/screamatthewind/novel/pkg/tools/image"
	"github.com/screamatthewind/novel/pkg/tools/indextts2"
	"github.com/screamatthewind/novel/pkg/tools/llm"
	"github.com/screamatthewind/novel/pkg/tools/tts"
	"github.com/screamatthewind/novel/pkg/tools/video"
	"github.com/screamatthewind/novel/pkg/workflow"
)

// appOptions 命令行对配置的覆盖
type appOptions struct {
	configPath   string
	logLevel     string
	rebuildCache bool
	// needAnalyzer 为 false 时不创建文本后端，关键词模式与离线命令使用
	needAnalyzer bool
}

// application 进程内共享的组件
type application struct {
	cfg        *config.Config
	logger     *zap.Logger
	broadcast  *broadcast.Service
	metrics    *metrics.Metrics
	db         *database.GormManager
	redis      *redis.Client
	drawThings *drawthings.DrawThingsClient
	analyzer   *storyboard.Analyzer
	processor  *workflow.Processor
	mcpServer  *mcp.Server
}

func parseLevel(s string) zapcore.Level {
	level, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// newApplication 加载配置并组装流水线。日志只写 stderr，stdout 留给 MCP stdio。
func newApplication(opts appOptions) (*application, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	svc := broadcast.NewService(256)
	logger := broadcast.NewLogger(svc, "novel", parseLevel(opts.logLevel))

	app := &application{
		cfg:       cfg,
		logger:    logger,
		broadcast: svc,
		metrics:   metrics.New(),
	}

	if cfg.Database.Enabled {
		db, err := database.NewGormManager(cfg.Database.Path, logger)
		if err != nil {
			return nil, err
		}
		app.db = db
	}

	if opts.needAnalyzer || cfg.Storyboard.Mode == "storyboard" {
		if err := app.buildAnalyzer(opts.rebuildCache); err != nil {
			app.Close()
			return nil, err
		}
	}

	roster := cfg.Roster()
	tables := mergeTables(keywords.DefaultTables(), roster.Names())
	builder := prompt.NewBuilder(prompt.NewTokenCounter(cfg.Storyboard.TokenEncoding, logger), roster, tables, logger)

	var narrator *tts.Narrator
	if cfg.TTS.Enabled {
		narrator = tts.NewNarrator(indextts2.NewIndexTTS2Client(logger, cfg.TTS.BaseURL), cfg.Voices(), logger)
	}

	processor, err := workflow.NewProcessor(workflow.Dependencies{
		Logger:    logger,
		Analyzer:  app.analyzer,
		Images:    app.buildImages(),
		Builder:   builder,
		Roster:    roster,
		Tables:    tables,
		DB:        app.db,
		Broadcast: svc,
		Metrics:   app.metrics,
		Narrator:  narrator,
		Video:     video.NewVideoProcessor(logger, cfg.Paths.ImagesDir, cfg.Paths.AudioDir, cfg.Video),
	}, workflow.Settings{
		ChaptersDir:     cfg.Paths.InputDir,
		ImagesDir:       cfg.Paths.ImagesDir,
		AudioDir:        cfg.Paths.AudioDir,
		MetadataDir:     cfg.Paths.MetadataDir,
		VideoDir:        cfg.Paths.VideoDir,
		Width:           cfg.Image.Width,
		Height:          cfg.Image.Height,
		Steps:           cfg.Image.Steps,
		Guidance:        cfg.Image.Guidance,
		WarmConcurrency: cfg.Storyboard.WarmConcurrency,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.processor = processor
	app.mcpServer = mcp.NewServer(processor, logger)
	return app, nil
}

// buildAnalyzer 内存缓存在前，Redis（若配置）与文件缓存在后
func (a *application) buildAnalyzer(rebuild bool) error {
	backend, err := llm.New(a.cfg.LLM, a.logger)
	if err != nil {
		return err
	}

	fileStore, err := storyboard.NewFileStore(a.cfg.Cache.Dir, rebuild)
	if err != nil {
		return err
	}
	var back storyboard.Store = fileStore
	if addr := a.cfg.Cache.Redis.Addr; addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: a.cfg.Cache.Redis.Password,
			DB:       a.cfg.Cache.Redis.DB,
		})
		back = &storyboard.LayeredStore{
			Front: storyboard.NewRedisStore(a.redis, a.cfg.Cache.Redis.Namespace, a.cfg.Cache.Redis.TTL),
			Back:   fileStore,
			Logger: a.logger,
		}
		a.logger.Info("启用Redis共享缓存", zap.String("addr", addr))
	}

	analyzer, err := storyboard.NewAnalyzer(storyboard.Options{
		Store: &storyboard.LayeredStore{
			Front:  storyboard.NewMemoryStore(a.cfg.Cache.MemoryTTL),
			Back:   back,
			Logger: a.logger,
		},
		Backend:        backend,
		Logger:         a.logger,
		Metrics:        a.metrics,
		ImagesDir:      a.cfg.Paths.ImagesDir,
		RebuildCache:   rebuild,
		Pricing:        a.cfg.Pricing,
		BackendTimeout: a.cfg.Storyboard.BackendTimeout,
	})
	if err != nil {
		return err
	}
	a.analyzer = analyzer
	return nil
}

// buildImages drawthings 后端失败时退回本地占位图
func (a *application) buildImages() image.Backend {
	placeholder := image.NewPlaceholder(a.logger, a.cfg.Image.FontPath)
	if a.cfg.Image.Backend != "drawthings" {
		return placeholder
	}
	a.drawThings = drawthings.NewDrawThingsClient(a.logger, a.cfg.Image.DrawThings)
	return &image.Fallback{Primary: a.drawThings, Secondary: placeholder, Logger: a.logger}
}

// mergeTables 把角色表中词表没有的角色追加到关键词词表
func mergeTables(tables *keywords.Tables, names []string) *keywords.Tables {
	known := make(map[string]bool, len(tables.Characters))
	for _, n := range tables.Characters {
		known[n] = true
	}
	if tables.Aliases == nil {
		tables.Aliases = map[string]string{}
	}
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" || known[n] {
			continue
		}
		known[n] = true
		tables.Characters = append(tables.Characters, n)
		if _, ok := tables.Aliases[n]; !ok {
			tables.Aliases[n] = n
		}
	}
	return tables
}

// pushMetrics 一次性命令结束时推送指标
func (a *application) pushMetrics() {
	if err := a.metrics.Push(a.cfg.Metrics.PushgatewayURL); err != nil {
		a.logger.Warn("推送指标失败", zap.Error(err))
	}
}

// Close 释放数据库与 Redis 连接
func (a *application) Close() {
	var errs []error
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("关闭资源失败", zap.Error(err))
	}
	a.broadcast.Close()
	_ = a.logger.Sync()
}

// run 在后台分发广播事件直到 ctx 结束
func (a *application) run(ctx context.Context) {
	go a.broadcast.Run(ctx)
}
