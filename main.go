package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/screamatthewind/novel/cmd/web_server"
	"github.com/screamatthewind/novel/pkg/detector"
	"github.com/screamatthewind/novel/pkg/mcp"
	"github.com/screamatthewind/novel/pkg/tools/llm"
	"github.com/screamatthewind/novel/pkg/workflow"
)

var opts appOptions

var rootCmd = &cobra.Command{
	Use:           "novel",
	Short:         "小说章节视觉流水线：分镜分析、图片复用判定、图片与旁白生成",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "配置文件路径（默认查找工作目录和程序目录下的 config.yaml）")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "日志级别 debug/info/warn/error")

	serveCmd.Flags().Bool("no-mcp", false, "不启动 stdio MCP 服务器")
	serveCmd.Flags().Bool("no-web", false, "不启动 Web 服务器")
	serveCmd.Flags().String("addr", "", "Web 监听地址，覆盖 server.addr")

	processCmd.Flags().Int("chapter", 0, "章节号，0 表示处理输入目录下全部章节")
	processCmd.Flags().String("mode", "", "判定模式 storyboard 或 keyword，默认取配置")
	processCmd.Flags().BoolVar(&opts.rebuildCache, "rebuild-cache", false, "忽略已有分镜缓存并重新分析")
	processCmd.Flags().Bool("narrate", false, "同时生成旁白音频")
	processCmd.Flags().Bool("dry-run", false, "只输出判定结果，不生成文件")

	clearCacheCmd.Flags().Int("chapter", 0, "章节号")
	_ = clearCacheCmd.MarkFlagRequired("chapter")

	videoCmd.Flags().Int("chapter", 0, "章节号")
	videoCmd.Flags().Bool("no-render", false, "只生成编辑清单和字幕，不调用 ffmpeg")
	_ = videoCmd.MarkFlagRequired("chapter")

	rootCmd.AddCommand(serveCmd, processCmd, clearCacheCmd, videoCmd, costCmd, selfCheckCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 MCP 服务器和 Web 服务器",
	RunE: func(cmd *cobra.Command, args []string) error {
		noMCP, _ := cmd.Flags().GetBool("no-mcp")
		noWeb, _ := cmd.Flags().GetBool("no-web")
		addr, _ := cmd.Flags().GetString("addr")

		opts.needAnalyzer = true
		app, err := newApplication(opts)
		if err != nil {
			return err
		}
		defer app.Close()

		ctx := cmd.Context()
		app.run(ctx)

		if unavailable := runSelfCheck(ctx, app); len(unavailable) > 0 {
			app.logger.Warn("部分服务不可用，相关步骤会退回或失败", zap.Strings("services", unavailable))
		}

		g, ctx := errgroup.WithContext(ctx)
		if !noMCP {
			g.Go(func() error {
				app.logger.Info("小说视觉MCP服务器已启动，等待连接...", zap.Strings("tools", app.mcpServer.GetToolNames()))
				return app.mcpServer.Start(ctx)
			})
		}
		if !noWeb {
			if addr == "" {
				addr = app.cfg.Server.Addr
			}
			adapter := mcp.NewMCPAdapter(app.mcpServer, app.logger)
			server := web_server.NewServer(ctx, app.processor, adapter, app.broadcast, app.metrics, app.logger)
			g.Go(func() error {
				return web_server.StartServer(ctx, addr, server)
			})
		}
		if err := g.Wait(); err != nil && cmd.Context().Err() == nil {
			return err
		}
		app.logger.Info("服务器已关闭")
		return nil
	},
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "处理单个章节或全部章节",
	RunE: func(cmd *cobra.Command, args []string) error {
		chapter, _ := cmd.Flags().GetInt("chapter")
		mode, _ := cmd.Flags().GetString("mode")
		narrate, _ := cmd.Flags().GetBool("narrate")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		opts.needAnalyzer = mode == detector.ModeStoryboard
		app, err := newApplication(opts)
		if err != nil {
			return err
		}
		defer app.Close()
		defer app.pushMetrics()

		ctx := cmd.Context()
		app.run(ctx)
		if mode == "" {
			mode = app.cfg.Storyboard.Mode
		}

		if chapter == 0 {
			if dryRun {
				return fmt.Errorf("--dry-run 需要指定 --chapter")
			}
			results, err := app.processor.BatchProcess(ctx, mode, narrate)
			for _, r := range results {
				printResult(r)
			}
			return err
		}

		result, err := app.processor.ProcessChapter(ctx, workflow.ChapterParams{
			Number:  chapter,
			Mode:    mode,
			Narrate: narrate,
			DryRun:  dryRun,
		})
		if result != nil {
			printResult(result)
		}
		return err
	},
}

var clearCacheCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "删除章节的分镜缓存和已生成图片",
	RunE: func(cmd *cobra.Command, args []string) error {
		chapter, _ := cmd.Flags().GetInt("chapter")
		if chapter < 1 {
			return fmt.Errorf("无效的章节号: %d", chapter)
		}
		opts.needAnalyzer = true
		app, err := newApplication(opts)
		if err != nil {
			return err
		}
		defer app.Close()

		cacheDeleted, imagesDeleted, err := app.processor.DeleteChapterCache(cmd.Context(), chapter)
		if err != nil {
			return err
		}
		fmt.Printf("第 %d 章：删除缓存 %d 条，图片 %d 张\n", chapter, cacheDeleted, imagesDeleted)
		return nil
	},
}

var videoCmd = &cobra.Command{
	Use:   "video",
	Short: "按图像映射和旁白音频合成章节视频",
	RunE: func(cmd *cobra.Command, args []string) error {
		chapter, _ := cmd.Flags().GetInt("chapter")
		noRender, _ := cmd.Flags().GetBool("no-render")
		app, err := newApplication(opts)
		if err != nil {
			return err
		}
		defer app.Close()

		result, err := app.processor.AssembleVideo(cmd.Context(), chapter, !noRender)
		if result != nil {
			fmt.Printf("第 %d 章：%d 个片段，跳过 %d 句，时长 %.1f 秒\n", result.ChapterNum, result.Clips, result.Skipped, result.Duration)
			fmt.Println("编辑清单:", result.EditList)
			if result.SubtitleFile != "" {
				fmt.Println("字幕:", result.SubtitleFile)
			}
			if result.VideoFile != "" {
				fmt.Println("视频:", result.VideoFile)
			}
		}
		return err
	},
}

var costCmd = &cobra.Command{
	Use:   "cost",
	Short: "查看累计的分镜分析费用",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApplication(opts)
		if err != nil {
			return err
		}
		defer app.Close()
		if app.db == nil {
			return fmt.Errorf("未配置数据库，无法统计费用")
		}

		sessions, err := app.db.CostSessions()
		if err != nil {
			return err
		}
		totals, err := app.db.CostTotals()
		if err != nil {
			return err
		}
		for _, s := range sessions {
			fmt.Printf("%-28s %s  调用 %4d  输入 %8d  输出 %8d  $%.4f\n",
				s.Name, s.CreatedAt.Format(time.DateTime), s.APICalls, s.InputTokens, s.OutputTokens, s.Cost)
		}
		fmt.Printf("合计 %d 次运行，调用 %d 次，输入 %d tokens，输出 %d tokens，约 $%.4f\n",
			totals.Sessions, totals.APICalls, totals.InputTokens, totals.OutputTokens, totals.Cost)
		return nil
	},
}

var selfCheckCmd = &cobra.Command{
	Use:   "self-check",
	Short: "检查文本模型、图像、语音等外部服务",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApplication(opts)
		if err != nil {
			return err
		}
		defer app.Close()
		if unavailable := runSelfCheck(cmd.Context(), app); len(unavailable) > 0 {
			return fmt.Errorf("以下服务不可用: %s", strings.Join(unavailable, ", "))
		}
		return nil
	},
}

func printResult(r *workflow.ChapterResult) {
	fmt.Printf("第 %d 章 [%s] %s：共 %d 句，生成 %d，复用 %d，失败 %d\n",
		r.ChapterNum, r.Mode, r.Status, r.TotalSentences, r.ImagesGenerated, r.ImagesReused, r.ImagesFailed)
	if r.MappingReport != "" {
		fmt.Println(r.MappingReport)
	}
	if r.CostReport != "" {
		fmt.Println(r.CostReport)
	}
}

// runSelfCheck 检查各项外部服务，返回不可用的服务名
func runSelfCheck(ctx context.Context, app *application) []string {
	fmt.Fprintln(os.Stderr, "🔍 执行自检程序...")

	type serviceCheck struct {
		name string
		fn   func(context.Context) error
	}
	checks := []serviceCheck{
		{"文本模型", func(ctx context.Context) error { return checkLLM(ctx, app) }},
	}
	if app.drawThings != nil {
		checks = append(checks, serviceCheck{"DrawThings", func(ctx context.Context) error {
			if !app.drawThings.CheckAPIAvailability(ctx) {
				return fmt.Errorf("DrawThings API不可用")
			}
			return nil
		}})
	}
	if app.cfg.TTS.Enabled {
		checks = append(checks,
			serviceCheck{"IndexTTS2", func(ctx context.Context) error { return checkHTTP(ctx, app.cfg.TTS.BaseURL) }},
			serviceCheck{"参考音频文件", func(context.Context) error { return checkVoices(app) }},
		)
	}
	if app.redis != nil {
		checks = append(checks, serviceCheck{"Redis", func(ctx context.Context) error {
			return app.redis.Ping(ctx).Err()
		}})
	}

	var unavailable []string
	for _, check := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := check.fn(checkCtx)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "  📋 检查%s... ❌ (%v)\n", check.name, err)
			unavailable = append(unavailable, check.name)
			continue
		}
		fmt.Fprintf(os.Stderr, "  📋 检查%s... ✅\n", check.name)
	}
	if len(unavailable) == 0 {
		fmt.Fprintln(os.Stderr, "✅ 所有服务均正常")
	}
	return unavailable
}

// checkLLM Ollama 检查 /api/tags；OpenAI 兼容接口只检查密钥
func checkLLM(ctx context.Context, app *application) error {
	cfg := app.cfg.LLM
	switch cfg.Provider {
	case llm.ProviderOpenAI:
		if cfg.APIKey == "" && !strings.Contains(cfg.BaseURL, "localhost") {
			return fmt.Errorf("未配置 llm.api_key")
		}
		return nil
	default:
		base := cfg.BaseURL
		if base == "" {
			base = "http://localhost:11434"
		}
		return checkHTTP(ctx, strings.TrimRight(base, "/")+"/api/tags")
	}
}

func checkHTTP(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("状态码: %d", resp.StatusCode)
	}
	return nil
}

func checkVoices(app *application) error {
	var missing []string
	for name, ok := range app.cfg.Voices().Validate() {
		if !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("缺少参考音频: %s", strings.Join(missing, ", "))
	}
	return nil
}
