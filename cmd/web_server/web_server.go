package web_server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/screamatthewind/novel/pkg/broadcast"
	"github.com/screamatthewind/novel/pkg/detector"
	mcp_pkg "github.com/screamatthewind/novel/pkg/mcp"
	"github.com/screamatthewind/novel/pkg/metrics"
	"github.com/screamatthewind/novel/pkg/types"
	workflow_pkg "github.com/screamatthewind/novel/pkg/workflow"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const writeWait = 10 * time.Second

// Server HTTP 接口：章节处理、缓存、费用、运行记录、WebSocket 进度与指标
type Server struct {
	ctx       context.Context
	processor *workflow_pkg.Processor
	adapter   *mcp_pkg.MCPAdapter
	broadcast *broadcast.Service
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewServer ctx 用于后台章节任务，ctx 结束时任务随之取消
func NewServer(ctx context.Context, processor *workflow_pkg.Processor, adapter *mcp_pkg.MCPAdapter,
	svc *broadcast.Service, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		ctx:       ctx,
		processor: processor,
		adapter:   adapter,
		broadcast: svc,
		metrics:   m,
		logger:    logger,
	}
}

// Router 注册路由
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/", s.homePage)
	r.GET("/ws", s.wsEndpoint)

	api := r.Group("/api")
	api.GET("/stats", s.statsHandler)
	api.GET("/cost", s.costHandler)
	api.GET("/runs", s.runsHandler)
	api.GET("/runs/:id", s.runHandler)
	api.GET("/chapters/:n/attributes", s.attributesHandler)
	api.POST("/chapters/:n/process", s.processHandler)
	api.DELETE("/chapters/:n/cache", s.deleteCacheHandler)
	api.POST("/chapters/:n/video", s.videoHandler)
	api.POST("/analyze", s.analyzeHandler)
	api.POST("/decide", s.decideHandler)
	api.GET("/tools", s.toolsHandler)
	api.POST("/tools/:name", s.executeToolHandler)

	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))
	}
	if dir := s.processor.Settings().ImagesDir; dir != "" {
		r.Static("/files/images", dir)
	}
	return r
}

// StartServer 监听 addr，ctx 结束时优雅关闭
func StartServer(ctx context.Context, addr string, s *Server) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Web服务器启动", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("正在关闭Web服务器...")
		return srv.Shutdown(shutdownCtx)
	}
}

func chapterParam(c *gin.Context) (int, bool) {
	n, err := strconv.Atoi(c.Param("n"))
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid chapter number", "status": "error"})
		return 0, false
	}
	return n, true
}

func (s *Server) homePage(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "novel-visual-pipeline",
		"tools":   s.adapter.GetAvailableTools(),
		"busy":    s.processor.Busy(),
	})
}

func (s *Server) wsEndpoint(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket升级失败", zap.Error(err))
		return
	}
	defer ws.Close()

	client := s.broadcast.Subscribe()
	defer s.broadcast.Unsubscribe(client)

	// 客户端消息只用于感知断开
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-client.Send:
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(ev); err != nil {
				s.logger.Debug("发送WebSocket消息失败", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) statsHandler(c *gin.Context) {
	response := gin.H{
		"busy":    s.processor.Busy(),
		"clients": s.broadcast.Clients(),
	}
	if analyzer := s.processor.Analyzer(); analyzer != nil {
		cost, _ := analyzer.GetCostEstimate()
		response["storyboard"] = analyzer.Stats()
		response["cost"] = cost
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) costHandler(c *gin.Context) {
	response := gin.H{}
	if analyzer := s.processor.Analyzer(); analyzer != nil {
		cost, report := analyzer.GetCostEstimate()
		response["cost"] = cost
		response["report"] = report
	}
	if db := s.processor.DB(); db != nil {
		totals, err := db.CostTotals()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "status": "error"})
			return
		}
		sessions, err := db.CostSessions()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "status": "error"})
			return
		}
		response["cumulative"] = totals
		response["sessions"] = sessions
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) runsHandler(c *gin.Context) {
	db := s.processor.DB()
	if db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database is not configured", "status": "error"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 {
		limit = 20
	}
	runs, err := db.ListRuns(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "status": "error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) runHandler(c *gin.Context) {
	db := s.processor.DB()
	if db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database is not configured", "status": "error"})
		return
	}
	run, err := db.GetRun(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "status": "error"})
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found", "status": "error"})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) attributesHandler(c *gin.Context) {
	n, ok := chapterParam(c)
	if !ok {
		return
	}
	manager := s.processor.ChapterManager(n)
	if name := c.Query("character"); name != "" {
		state, found := manager.Snapshot(name)
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown character: " + name, "status": "error"})
			return
		}
		c.JSON(http.StatusOK, state)
		return
	}
	c.JSON(http.StatusOK, manager.GetStatistics())
}

type processRequest struct {
	Mode    string `json:"mode"`
	Narrate bool   `json:"narrate"`
	// Wait 为 true 时同步等待处理完成并返回结果
	Wait bool `json:"wait"`
}

func (s *Server) processHandler(c *gin.Context) {
	n, ok := chapterParam(c)
	if !ok {
		return
	}
	var req processRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON", "status": "error"})
			return
		}
	}
	if req.Mode == "" {
		req.Mode = detector.ModeStoryboard
	}
	if s.processor.Busy() {
		c.JSON(http.StatusConflict, gin.H{"error": workflow_pkg.ErrBusy.Error(), "status": "error"})
		return
	}
	params := workflow_pkg.ChapterParams{Number: n, Mode: req.Mode, Narrate: req.Narrate}

	if req.Wait {
		result, err := s.processor.ProcessChapter(c.Request.Context(), params)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, workflow_pkg.ErrBusy) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error(), "status": "error", "result": result})
			return
		}
		c.JSON(http.StatusOK, result)
		return
	}

	go func() {
		if _, err := s.processor.ProcessChapter(s.ctx, params); err != nil {
			s.logger.Error("后台章节处理失败", zap.Int("chapter", n), zap.Error(err))
			s.broadcast.SendEvent("process_chapter", types.EventError, err.Error(), nil)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "started", "chapter": n, "mode": req.Mode})
}

func (s *Server) deleteCacheHandler(c *gin.Context) {
	n, ok := chapterParam(c)
	if !ok {
		return
	}
	cacheDeleted, imagesDeleted, err := s.processor.DeleteChapterCache(c.Request.Context(), n)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "status": "error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "chapter": n, "cache_deleted": cacheDeleted, "images_deleted": imagesDeleted})
}

// videoHandler ?render=false 时只生成编辑清单和字幕
func (s *Server) videoHandler(c *gin.Context) {
	n, ok := chapterParam(c)
	if !ok {
		return
	}
	render := c.DefaultQuery("render", "true") != "false"
	result, err := s.processor.AssembleVideo(c.Request.Context(), n, render)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "status": "error", "result": result})
		return
	}
	c.JSON(http.StatusOK, result)
}

type analyzeRequest struct {
	Chapter      int    `json:"chapter" binding:"required,min=1"`
	Scene        int    `json:"scene"`
	Sentence     int    `json:"sentence"`
	Text         string `json:"text" binding:"required"`
	SceneContext string `json:"scene_context"`
}

func (s *Server) analyzeHandler(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "status": "error"})
		return
	}
	args := map[string]interface{}{
		"chapter_number": req.Chapter,
		"text":           req.Text,
	}
	if req.Scene > 0 {
		args["scene_number"] = req.Scene
	}
	if req.Sentence > 0 {
		args["sentence_number"] = req.Sentence
	}
	if req.SceneContext != "" {
		args["scene_context"] = req.SceneContext
	}
	s.callTool(c, "analyze_sentence", args)
}

type decideRequest struct {
	Chapter int    `json:"chapter"`
	Mode    string `json:"mode"`
	Text    string `json:"text" binding:"required"`
}

func (s *Server) decideHandler(c *gin.Context) {
	var req decideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "status": "error"})
		return
	}
	if req.Chapter < 1 {
		req.Chapter = 1
	}
	if req.Mode == "" {
		req.Mode = detector.ModeKeyword
	}
	result, err := s.processor.ProcessChapter(c.Request.Context(), workflow_pkg.ChapterParams{
		Number: req.Chapter,
		Text:   req.Text,
		Mode:   req.Mode,
		DryRun: true,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "status": "error"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) toolsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": s.adapter.GetAvailableTools()})
}

func (s *Server) executeToolHandler(c *gin.Context) {
	args := map[string]interface{}{}
	if c.Request.ContentLength > 0 {
		if err := json.NewDecoder(c.Request.Body).Decode(&args); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON", "status": "error"})
			return
		}
	}
	s.callTool(c, c.Param("name"), args)
}

// callTool 通过 MCP 适配器调用工具，工具返回 JSON 时原样输出
func (s *Server) callTool(c *gin.Context, name string, args map[string]interface{}) {
	text, err := s.adapter.CallTool(c.Request.Context(), name, args)
	if err != nil {
		var toolErr *mcp_pkg.ToolError
		switch {
		case errors.Is(err, mcp_pkg.ErrUnknownTool):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "status": "error"})
		case errors.As(err, &toolErr):
			c.JSON(http.StatusBadRequest, gin.H{"error": toolErr.Message, "status": "error"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "status": "error"})
		}
		return
	}
	if json.Valid([]byte(text)) {
		c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(text))
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": text})
}
