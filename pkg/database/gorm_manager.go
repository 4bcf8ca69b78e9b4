package database

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormManager GORM数据库管理器：运行记录、决策审计与成本会话
type GormManager struct {
	DB     *gorm.DB
	logger *zap.Logger
}

// NewGormManager 打开（必要时创建）SQLite 数据库并迁移表结构。dbPath 为空时使用应用数据目录。
func NewGormManager(dbPath string, zl *zap.Logger) (*GormManager, error) {
	if zl == nil {
		zl = zap.NewNop()
	}
	if dbPath == "" {
		p, err := GetDatabasePath()
		if err != nil {
			return nil, fmt.Errorf("failed to get database path: %w", err)
		}
		dbPath = p
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	newLogger := logger.New(
		log.New(log.Writer(), "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Silent,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	dsn := fmt.Sprintf("%s?_busy_timeout=10000&_journal_mode=WAL&_foreign_keys=on", dbPath)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: newLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	manager := &GormManager{DB: db, logger: zl}
	if err := manager.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	zl.Info("数据库已就绪", zap.String("path", dbPath))
	return manager, nil
}

// Migrate 执行数据库迁移
func (gm *GormManager) Migrate() error {
	return gm.DB.AutoMigrate(&RunSession{}, &SentenceDecision{}, &AttributeChangeRecord{}, &CostSession{})
}

// Close 关闭数据库连接
func (gm *GormManager) Close() error {
	sqlDB, err := gm.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetDB 获取数据库实例
func (gm *GormManager) GetDB() *gorm.DB {
	return gm.DB
}

// StartRun 创建一次运行记录，状态为 processing
func (gm *GormManager) StartRun(chapterNum int, mode string) (*RunSession, error) {
	run := &RunSession{
		RunID:      uuid.NewString(),
		ChapterNum: chapterNum,
		Mode:       mode,
		Status:     StatusProcessing,
		StartedAt:  time.Now(),
	}
	if err := gm.DB.Create(run).Error; err != nil {
		return nil, fmt.Errorf("failed to create run session: %w", err)
	}
	return run, nil
}

// FinishRun 写入运行结果与结束时间
func (gm *GormManager) FinishRun(run *RunSession, status ProcessStatus, errMsg string) error {
	now := time.Now()
	run.Status = status
	run.ErrorMsg = errMsg
	run.FinishedAt = &now
	if err := gm.DB.Omit("Decisions", "AttributeChanges").Save(run).Error; err != nil {
		return fmt.Errorf("failed to update run session: %w", err)
	}
	return nil
}

// RecordDecision 保存一条句子决策
func (gm *GormManager) RecordDecision(d *SentenceDecision) error {
	if err := gm.DB.Create(d).Error; err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	return nil
}

// RecordAttributeChange 保存一条属性变更审计
func (gm *GormManager) RecordAttributeChange(c *AttributeChangeRecord) error {
	if err := gm.DB.Create(c).Error; err != nil {
		return fmt.Errorf("failed to record attribute change: %w", err)
	}
	return nil
}

// GetRun 按 RunID 查询运行记录及其决策，不存在时返回 nil
func (gm *GormManager) GetRun(runID string) (*RunSession, error) {
	var run RunSession
	err := gm.DB.
		Preload("Decisions", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Preload("AttributeChanges").
		First(&run, "run_id = ?", runID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run session: %w", err)
	}
	return &run, nil
}

// ListRuns 最近的运行记录，新的在前
func (gm *GormManager) ListRuns(limit int) ([]RunSession, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []RunSession
	if err := gm.DB.Order("id desc").Limit(limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list run sessions: %w", err)
	}
	return runs, nil
}

// DecisionsForChapter 某章节最近一次运行的决策
func (gm *GormManager) DecisionsForChapter(chapterNum int) ([]SentenceDecision, error) {
	var run RunSession
	err := gm.DB.Where("chapter_num = ?", chapterNum).Order("id desc").First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find run for chapter: %w", err)
	}
	var decisions []SentenceDecision
	if err := gm.DB.Where("run_session_id = ?", run.ID).Order("id").Find(&decisions).Error; err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	return decisions, nil
}

// RecordCostSession 记录一次运行的费用。没有 API 调用时不记录，返回 nil。
func (gm *GormManager) RecordCostSession(name string, inputTokens, outputTokens, apiCalls int, cost float64) (*CostSession, error) {
	if apiCalls == 0 {
		gm.logger.Debug("无API调用，跳过成本会话", zap.String("name", name))
		return nil, nil
	}
	session := &CostSession{
		Name:         name,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		APICalls:     apiCalls,
		Cost:         cost,
	}
	if err := gm.DB.Create(session).Error; err != nil {
		return nil, fmt.Errorf("failed to record cost session: %w", err)
	}
	gm.logger.Info("成本会话已记录",
		zap.String("name", name),
		zap.Int("api_calls", apiCalls),
		zap.Float64("cost", cost))
	return session, nil
}

// CostTotals 所有成本会话的累计
func (gm *GormManager) CostTotals() (CostTotals, error) {
	var totals CostTotals
	err := gm.DB.Model(&CostSession{}).
		Select("COUNT(*) AS sessions, COALESCE(SUM(input_tokens),0) AS input_tokens, COALESCE(SUM(output_tokens),0) AS output_tokens, COALESCE(SUM(api_calls),0) AS api_calls, COALESCE(SUM(cost),0) AS cost").
		Scan(&totals).Error
	if err != nil {
		return CostTotals{}, fmt.Errorf("failed to sum cost sessions: %w", err)
	}
	return totals, nil
}

// CostSessions 全部成本会话，按时间先后
func (gm *GormManager) CostSessions() ([]CostSession, error) {
	var sessions []CostSession
	if err := gm.DB.Order("id").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to list cost sessions: %w", err)
	}
	return sessions, nil
}
