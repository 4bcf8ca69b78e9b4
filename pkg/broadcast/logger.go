package broadcast

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/screamatthewind/novel/pkg/types"
)

// BroadcastLoggerAdapter 自定义 zapcore.Core，把日志条目转发给 WebSocket 客户端
type BroadcastLoggerAdapter struct {
	zapcore.LevelEnabler
	toolName string
	encoder  zapcore.Encoder
	service  *Service
}

// NewBroadcastLoggerAdapter 创建一个新的广播日志适配器
func NewBroadcastLoggerAdapter(service *Service, toolName string, level zapcore.LevelEnabler) *BroadcastLoggerAdapter {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.TimeKey = ""
	return &BroadcastLoggerAdapter{
		LevelEnabler: level,
		toolName:     toolName,
		encoder:      zapcore.NewConsoleEncoder(cfg),
		service:      service,
	}
}

// With 添加字段并返回新的Core
func (b *BroadcastLoggerAdapter) With(fields []zapcore.Field) zapcore.Core {
	enc := b.encoder.Clone()
	for _, f := range fields {
		f.AddTo(enc)
	}
	return &BroadcastLoggerAdapter{
		LevelEnabler: b.LevelEnabler,
		toolName:     b.toolName,
		encoder:      enc,
		service:      b.service,
	}
}

// Check 检查日志级别是否启用
func (b *BroadcastLoggerAdapter) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if b.Enabled(entry.Level) {
		return ce.AddCore(entry, b)
	}
	return ce
}

// Write 编码日志条目并广播
func (b *BroadcastLoggerAdapter) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	buf, err := b.encoder.EncodeEntry(entry, fields)
	if err != nil {
		return err
	}
	message := strings.TrimSpace(buf.String())
	buf.Free()

	logType := types.EventLog
	if entry.Level >= zapcore.WarnLevel {
		logType = types.EventError
	}
	b.service.Publish(types.Event{
		ToolName:  b.toolName,
		Message:   message,
		Type:      logType,
		Timestamp: entry.Time.Format("2006-01-02 15:04:05"),
	})
	return nil
}

func (b *BroadcastLoggerAdapter) Sync() error { return nil }

// NewLogger 进程日志：JSON 写到 stderr（stdout 留给 MCP stdio），service 非空时同时广播
func NewLogger(service *Service, toolName string, level zapcore.Level) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(os.Stderr), level),
	}
	if service != nil {
		cores = append(cores, NewBroadcastLoggerAdapter(service, toolName, level))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}
