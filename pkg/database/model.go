package database

import (
	"time"

	"gorm.io/gorm"
)

// BaseModel 包含公共字段
type BaseModel struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// RunSession 一次章节处理运行
type RunSession struct {
	BaseModel
	RunID           string        `json:"run_id" gorm:"uniqueIndex"`
	ChapterNum      int           `json:"chapter_num" gorm:"index"`
	Mode            string        `json:"mode"` // storyboard 或 keyword
	Status          ProcessStatus `json:"status" gorm:"default:pending"`
	ErrorMsg        string        `json:"error_msg,omitempty"`
	TotalSentences  int           `json:"total_sentences"`
	ImagesGenerated int           `json:"images_generated"`
	ImagesReused    int           `json:"images_reused"`
	CacheHits       int           `json:"cache_hits"`
	CacheMisses     int           `json:"cache_misses"`
	APICalls        int           `json:"api_calls"`
	InputTokens     int           `json:"input_tokens"`
	OutputTokens    int           `json:"output_tokens"`
	EstimatedCost   float64       `json:"estimated_cost"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`

	Decisions        []SentenceDecision      `json:"decisions,omitempty" gorm:"foreignKey:RunSessionID"`
	AttributeChanges []AttributeChangeRecord `json:"attribute_changes,omitempty" gorm:"foreignKey:RunSessionID"`
}

// SentenceDecision 每个句子的复用/生成决策，用于审计
type SentenceDecision struct {
	BaseModel
	RunSessionID uint   `json:"run_session_id" gorm:"index"`
	ChapterNum   int    `json:"chapter_num" gorm:"index"`
	SceneNum     int    `json:"scene_num"`
	SentenceNum  int    `json:"sentence_num"`
	Mode         string `json:"mode"`
	Generate     bool   `json:"generate"`
	Reason       string `json:"reason"`
	Prompt       string `json:"prompt,omitempty"`
	ImageFile    string `json:"image_file"`
	CacheKey     string `json:"cache_key,omitempty"`
}

// AttributeChangeRecord 模型提出的角色属性变更及是否被采纳
type AttributeChangeRecord struct {
	BaseModel
	RunSessionID uint    `json:"run_session_id" gorm:"index"`
	ChapterNum   int     `json:"chapter_num"`
	SentenceNum  int     `json:"sentence_num"`
	Character    string  `json:"character" gorm:"index"`
	Attribute    string  `json:"attribute"`
	NewValue     string  `json:"new_value"`
	Reason       string  `json:"reason"`
	Confidence   float64 `json:"confidence"`
	Applied      bool    `json:"applied"`
}

// CostSession 有 API 调用的一次运行的费用记录
type CostSession struct {
	BaseModel
	Name         string  `json:"name"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	APICalls     int     `json:"api_calls"`
	Cost         float64 `json:"cost"`
}
