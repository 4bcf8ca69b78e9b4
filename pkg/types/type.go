package types

// 事件类型
const (
	EventLog      = "log"
	EventProgress = "progress"
	EventDecision = "decision"
	EventError    = "error"
	EventDone     = "done"
)

// Event 推送给 WebSocket 客户端的消息
type Event struct {
	ToolName  string      `json:"toolName"`
	Message   string      `json:"message"`
	Type      string      `json:"type"` // log, progress, decision, error, done
	Timestamp string      `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// DecisionEvent 单句处理结果
type DecisionEvent struct {
	RunID       string `json:"run_id"`
	ChapterNum  int    `json:"chapter_num"`
	SceneNum    int    `json:"scene_num"`
	SentenceNum int    `json:"sentence_num"`
	Total       int    `json:"total"`
	Generate    bool   `json:"generate"`
	Reason      string `json:"reason"`
	ImageFile   string `json:"image_file"`
}
