package mcp

import (
	"context"
	"errors"
	"io"
	"os"

	mcp_server "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/screamatthewind/novel/pkg/workflow"
)

const (
	serverName    = "novel-visual-pipeline"
	serverVersion = "1.0.0"
)

type Server struct {
	server    *mcp_server.MCPServer
	processor *workflow.Processor
	logger    *zap.Logger
	handler   *Handler
}

func NewServer(processor *workflow.Processor, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mcpServer := mcp_server.NewMCPServer(
		serverName,
		serverVersion,
		mcp_server.WithToolCapabilities(true),
		mcp_server.WithRecovery(),
	)

	s := &Server{
		server:    mcpServer,
		processor: processor,
		logger:    logger,
	}
	s.handler = NewHandler(s.server, processor, logger)
	s.handler.RegisterTools()
	return s
}

// Start 通过标准输入输出提供 MCP 服务，阻塞直到输入结束或 ctx 取消
func (s *Server) Start(ctx context.Context) error {
	stdio := mcp_server.NewStdioServer(s.server)
	stdio.SetErrorLogger(zap.NewStdLog(s.logger))
	err := stdio.Listen(ctx, os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		s.logger.Error("MCP服务异常退出", zap.Error(err))
		return err
	}
	return nil
}

func (s *Server) GetToolNames() []string {
	return s.handler.GetToolNames()
}

// GetHandler 返回处理器，用于直接调用工具
func (s *Server) GetHandler() *Handler {
	return s.handler
}
