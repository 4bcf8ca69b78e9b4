package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcp "github.com/mark3labs/mcp-go/mcp"
	mcp_server "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/screamatthewind/novel/pkg/attributes"
	"github.com/screamatthewind/novel/pkg/detector"
	"github.com/screamatthewind/novel/pkg/scene"
	"github.com/screamatthewind/novel/pkg/workflow"
)

// Handler processes MCP requests
type Handler struct {
	server    *mcp_server.MCPServer
	processor *workflow.Processor
	logger    *zap.Logger
	toolNames []string
}

func NewHandler(server *mcp_server.MCPServer, processor *workflow.Processor, logger *zap.Logger) *Handler {
	return &Handler{
		server:    server,
		processor: processor,
		logger:    logger,
		toolNames: make([]string, 0),
	}
}

func (h *Handler) addTool(tool mcp.Tool, fn mcp_server.ToolHandlerFunc) {
	h.server.AddTool(tool, fn)
	h.toolNames = append(h.toolNames, tool.Name)
}

// RegisterTools registers all tools with the MCP server
func (h *Handler) RegisterTools() {
	h.addTool(mcp.NewTool("process_chapter",
		mcp.WithDescription("Process a chapter sentence by sentence: decide image reuse or generation, render images, write the image mapping"),
		mcp.WithNumber("chapter_number", mcp.Required(), mcp.Description("The number of the chapter")),
		mcp.WithString("mode", mcp.Description("storyboard (default) or keyword")),
		mcp.WithString("chapter_text", mcp.Description("Chapter text; when omitted the chapter file is looked up in the chapters directory")),
		mcp.WithBoolean("narrate", mcp.Description("Also synthesize per-sentence narration")),
	), h.handleProcessChapter)

	h.addTool(mcp.NewTool("analyze_sentence",
		mcp.WithDescription("Return the cached or freshly computed storyboard analysis of one sentence"),
		mcp.WithString("text", mcp.Required(), mcp.Description("The sentence")),
		mcp.WithNumber("chapter_number", mcp.Required(), mcp.Description("Chapter number")),
		mcp.WithNumber("scene_number", mcp.Description("Scene number, default 1")),
		mcp.WithNumber("sentence_number", mcp.Description("Sentence number within the scene, default 1")),
		mcp.WithString("scene_context", mcp.Description("Full text of the enclosing scene")),
	), h.handleAnalyzeSentence)

	h.addTool(mcp.NewTool("keyword_decision",
		mcp.WithDescription("Run the keyword change detector over a text and report reuse/generate per sentence without rendering"),
		mcp.WithString("text", mcp.Required(), mcp.Description("Chapter or scene text; scenes separated by * * *")),
		mcp.WithNumber("chapter_number", mcp.Description("Chapter number used for filenames, default 1")),
	), h.handleKeywordDecision)

	h.addTool(mcp.NewTool("get_character_attributes",
		mcp.WithDescription("Current visual attributes of a character, or statistics for the whole chapter"),
		mcp.WithNumber("chapter_number", mcp.Required(), mcp.Description("Chapter number")),
		mcp.WithString("character", mcp.Description("Character name; omit for chapter statistics")),
	), h.handleGetCharacterAttributes)

	h.addTool(mcp.NewTool("update_character_attribute",
		mcp.WithDescription("Change a mutable attribute (hair, clothing, accessories) of a character"),
		mcp.WithNumber("chapter_number", mcp.Required(), mcp.Description("Chapter number")),
		mcp.WithString("character", mcp.Required(), mcp.Description("Character name")),
		mcp.WithString("attribute", mcp.Required(), mcp.Description("hair, clothing or accessories")),
		mcp.WithString("value", mcp.Required(), mcp.Description("New value")),
		mcp.WithNumber("sentence_number", mcp.Description("Sentence where the change happens")),
		mcp.WithString("reason", mcp.Description("Why the attribute changed")),
	), h.handleUpdateCharacterAttribute)

	h.addTool(mcp.NewTool("delete_chapter_cache",
		mcp.WithDescription("Delete the storyboard cache and generated images of a chapter"),
		mcp.WithNumber("chapter_number", mcp.Required(), mcp.Description("Chapter number")),
	), h.handleDeleteChapterCache)

	h.addTool(mcp.NewTool("cost_estimate",
		mcp.WithDescription("Storyboard analysis cost of this process plus the cumulative recorded total"),
	), h.handleCostEstimate)

	h.logger.Info("MCP工具注册完成", zap.Int("tool_count", len(h.toolNames)))
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to serialize result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (h *Handler) requireChapter(request mcp.CallToolRequest) (int, *mcp.CallToolResult) {
	n, err := request.RequireFloat("chapter_number")
	if err != nil || n < 1 {
		h.logger.Warn("缺少或无效的 chapter_number 参数", zap.Error(err))
		return 0, mcp.NewToolResultError("Missing or invalid parameter: chapter_number")
	}
	return int(n), nil
}

func (h *Handler) handleProcessChapter(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chapter, errResult := h.requireChapter(request)
	if errResult != nil {
		return errResult, nil
	}
	result, err := h.processor.ProcessChapter(ctx, workflow.ChapterParams{
		Number:  chapter,
		Text:    request.GetString("chapter_text", ""),
		Mode:    request.GetString("mode", detector.ModeStoryboard),
		Narrate: request.GetBool("narrate", false),
	})
	if err != nil {
		h.logger.Error("章节处理失败", zap.Int("chapter", chapter), zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Failed to process chapter: %v", err)), nil
	}
	return jsonResult(result)
}

func (h *Handler) handleAnalyzeSentence(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	analyzer := h.processor.Analyzer()
	if analyzer == nil {
		return mcp.NewToolResultError("storyboard analyzer is not configured"), nil
	}
	text, err := request.RequireString("text")
	if err != nil || strings.TrimSpace(text) == "" {
		return mcp.NewToolResultError("Missing required parameter: text"), nil
	}
	chapter, errResult := h.requireChapter(request)
	if errResult != nil {
		return errResult, nil
	}
	s := scene.Sentence{
		ChapterNum:   chapter,
		SceneNum:     int(request.GetFloat("scene_number", 1)),
		SentenceNum:  int(request.GetFloat("sentence_number", 1)),
		Content:      text,
		WordCount:    len(strings.Fields(text)),
		SceneContext: request.GetString("scene_context", text),
	}
	manager := h.processor.ChapterManager(chapter)
	names := h.processor.Tables().ExtractCharacters(text)
	analysis := analyzer.AnalyzeSentence(ctx, s, manager.CharacterContext(names), "")
	return jsonResult(analysis)
}

func (h *Handler) handleKeywordDecision(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := request.RequireString("text")
	if err != nil || strings.TrimSpace(text) == "" {
		return mcp.NewToolResultError("Missing required parameter: text"), nil
	}
	result, err := h.processor.ProcessChapter(ctx, workflow.ChapterParams{
		Number: int(request.GetFloat("chapter_number", 1)),
		Text:   text,
		Mode:   detector.ModeKeyword,
		DryRun: true,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to evaluate text: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{
		"total_sentences":  result.TotalSentences,
		"images_generated": result.ImagesGenerated,
		"images_reused":    result.ImagesReused,
		"sentences":        result.Sentences,
	})
}

func (h *Handler) handleGetCharacterAttributes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chapter, errResult := h.requireChapter(request)
	if errResult != nil {
		return errResult, nil
	}
	manager := h.processor.ChapterManager(chapter)
	name := request.GetString("character", "")
	if name == "" {
		return jsonResult(manager.GetStatistics())
	}
	state, ok := manager.Snapshot(name)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown character: %s", name)), nil
	}
	return jsonResult(state)
}

func (h *Handler) handleUpdateCharacterAttribute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chapter, errResult := h.requireChapter(request)
	if errResult != nil {
		return errResult, nil
	}
	var missing []string
	fields := map[string]string{}
	for _, key := range []string{"character", "attribute", "value"} {
		v, err := request.RequireString(key)
		if err != nil || v == "" {
			missing = append(missing, key)
		}
		fields[key] = v
	}
	if len(missing) > 0 {
		return mcp.NewToolResultError("Missing required parameter: " + strings.Join(missing, ", ")), nil
	}
	attr, err := attributes.ParseAttribute(fields["attribute"])
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	manager := h.processor.ChapterManager(chapter)
	applied := manager.UpdateAttribute(fields["character"], attr, fields["value"],
		int(request.GetFloat("sentence_number", 0)), request.GetString("reason", "manual update"))
	response := map[string]interface{}{"applied": applied}
	if state, ok := manager.Snapshot(fields["character"]); ok {
		response["state"] = state
	}
	return jsonResult(response)
}

func (h *Handler) handleDeleteChapterCache(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chapter, errResult := h.requireChapter(request)
	if errResult != nil {
		return errResult, nil
	}
	cacheDeleted, imagesDeleted, err := h.processor.DeleteChapterCache(ctx, chapter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to delete chapter cache: %v", err)), nil
	}
	return jsonResult(map[string]int{
		"chapter":        chapter,
		"cache_deleted":  cacheDeleted,
		"images_deleted": imagesDeleted,
	})
}

func (h *Handler) handleCostEstimate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	analyzer := h.processor.Analyzer()
	if analyzer == nil {
		return mcp.NewToolResultError("storyboard analyzer is not configured"), nil
	}
	cost, report := analyzer.GetCostEstimate()
	response := map[string]interface{}{
		"cost":   cost,
		"report": report,
		"stats":  analyzer.Stats(),
	}
	if db := h.processor.DB(); db != nil {
		totals, err := db.CostTotals()
		if err != nil {
			h.logger.Warn("读取累计费用失败", zap.Error(err))
		} else {
			response["cumulative"] = totals
		}
	}
	return jsonResult(response)
}

// GetToolNames gets all tool names
func (h *Handler) GetToolNames() []string {
	return append([]string(nil), h.toolNames...)
}
