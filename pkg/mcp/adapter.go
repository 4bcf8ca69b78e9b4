package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	mcp "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// ErrUnknownTool 工具未注册
var ErrUnknownTool = errors.New("unknown tool")

// ToolError 工具执行失败（结果中 isError 为 true）
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Message)
}

// MCPAdapter 在进程内以 JSON-RPC 消息调用 MCP 工具，供 HTTP 接口等非 stdio 调用方使用
type MCPAdapter struct {
	server *Server
	logger *zap.Logger
	nextID atomic.Int64
}

// NewMCPAdapter 创建新的MCP适配器
func NewMCPAdapter(server *Server, logger *zap.Logger) *MCPAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MCPAdapter{server: server, logger: logger}
}

type rpcResponse struct {
	Result *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CallTool 调用工具并返回文本内容。工具返回 JSON 时可直接反序列化。
func (a *MCPAdapter) CallTool(ctx context.Context, toolName string, arguments map[string]interface{}) (string, error) {
	if !a.hasTool(toolName) {
		return "", fmt.Errorf("%w: %s, available tools: %v", ErrUnknownTool, toolName, a.GetAvailableTools())
	}
	if arguments == nil {
		arguments = map[string]interface{}{}
	}
	callToolMsg := map[string]interface{}{
		"jsonrpc": mcp.JSONRPC_VERSION,
		"id":      a.nextID.Add(1),
		"method":  string(mcp.MethodToolsCall),
		"params": map[string]interface{}{
			"name":      toolName,
			"arguments": arguments,
		},
	}
	raw, err := json.Marshal(callToolMsg)
	if err != nil {
		return "", fmt.Errorf("序列化工具调用失败: %w", err)
	}

	reply := a.server.server.HandleMessage(ctx, raw)
	data, err := json.Marshal(reply)
	if err != nil {
		return "", fmt.Errorf("序列化工具响应失败: %w", err)
	}
	var resp rpcResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("解析工具响应失败: %w", err)
	}
	if resp.Error != nil {
		a.logger.Error("工具调用失败", zap.String("tool", toolName), zap.String("error", resp.Error.Message))
		return "", fmt.Errorf("tool %s: %s", toolName, resp.Error.Message)
	}
	if resp.Result == nil {
		return "", fmt.Errorf("tool %s: empty response", toolName)
	}

	var texts []string
	for _, c := range resp.Result.Content {
		if c.Type == "text" {
			texts = append(texts, c.Text)
		}
	}
	text := strings.Join(texts, "\n")
	if resp.Result.IsError {
		return "", &ToolError{Tool: toolName, Message: text}
	}
	return text, nil
}

// GetAvailableTools 获取可用工具列表
func (a *MCPAdapter) GetAvailableTools() []string {
	return a.server.GetToolNames()
}

func (a *MCPAdapter) hasTool(name string) bool {
	for _, t := range a.GetAvailableTools() {
		if t == name {
			return true
		}
	}
	return false
}
