package file

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Mapping 一个句子的音频与所用图像的对应关系
type Mapping struct {
	AudioFile   string `json:"audio_file"`
	ImageFile   string `json:"image_file"`
	SentenceNum int    `json:"sentence_num"`
	SceneNum    int    `json:"scene_num"`
	Reason      string `json:"reason"`
}

type mappingFile struct {
	Chapter        int       `json:"chapter"`
	GeneratedAt    time.Time `json:"generated_at"`
	TotalSentences int       `json:"total_sentences"`
	UniqueImages   int       `json:"unique_images"`
	Mappings       []Mapping `json:"mappings"`
}

// MappingStatistics 图像复用统计
type MappingStatistics struct {
	TotalSentences      int            `json:"total_sentences"`
	UniqueImages        int            `json:"unique_images"`
	ReusedSentences     int            `json:"reused_sentences"`
	ReusePercentage     float64        `json:"reuse_percentage"`
	ImagesSaved         int            `json:"images_saved"`
	ReductionPercentage float64        `json:"reduction_percentage"`
	ReasonCounts        map[string]int `json:"reason_counts"`
}

// ImageMapping 章节的音频到图像映射，供视频合成按句配图
type ImageMapping struct {
	fm         *FileManager
	chapterNum int

	mu       sync.Mutex
	mappings []Mapping
}

func NewImageMapping(chapterNum int) *ImageMapping {
	return &ImageMapping{fm: NewFileManager(), chapterNum: chapterNum}
}

// MappingFileName chapter_NN_image_mapping.json
func MappingFileName(chapterNum int) string {
	return fmt.Sprintf("chapter_%02d_image_mapping.json", chapterNum)
}

func (m *ImageMapping) ChapterNum() int { return m.chapterNum }

func (m *ImageMapping) AddMapping(audioFile, imageFile string, sentenceNum, sceneNum int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings = append(m.mappings, Mapping{
		AudioFile:   audioFile,
		ImageFile:   imageFile,
		SentenceNum: sentenceNum,
		SceneNum:    sceneNum,
		Reason:      reason,
	})
}

// Mappings 返回副本
func (m *ImageMapping) Mappings() []Mapping {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Mapping(nil), m.mappings...)
}

// Save 写入 dir/chapter_NN_image_mapping.json，返回文件路径
func (m *ImageMapping) Save(dir string) (string, error) {
	mappings := m.Mappings()
	path := filepath.Join(dir, MappingFileName(m.chapterNum))
	doc := mappingFile{
		Chapter:        m.chapterNum,
		GeneratedAt:    time.Now(),
		TotalSentences: len(mappings),
		UniqueImages:   uniqueImages(mappings),
		Mappings:       mappings,
	}
	if doc.Mappings == nil {
		doc.Mappings = []Mapping{}
	}
	if err := m.fm.SaveJSON(path, doc); err != nil {
		return "", err
	}
	return path, nil
}

// Load 读取已有映射文件。文件不存在时返回 false 且不报错。
func (m *ImageMapping) Load(dir string) (bool, error) {
	var doc mappingFile
	if err := m.fm.LoadJSON(filepath.Join(dir, MappingFileName(m.chapterNum)), &doc); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	m.mu.Lock()
	m.chapterNum = doc.Chapter
	m.mappings = doc.Mappings
	m.mu.Unlock()
	return true, nil
}

// LoadImageMapping 读取章节映射，文件不存在时返回空映射
func LoadImageMapping(chapterNum int, dir string) (*ImageMapping, error) {
	m := NewImageMapping(chapterNum)
	if _, err := m.Load(dir); err != nil {
		return nil, err
	}
	return m, nil
}

func uniqueImages(mappings []Mapping) int {
	seen := make(map[string]struct{}, len(mappings))
	for _, mp := range mappings {
		seen[mp.ImageFile] = struct{}{}
	}
	return len(seen)
}

// Statistics 复用统计。原因中含 no_significant_change 的句子计为复用。
func (m *ImageMapping) Statistics() MappingStatistics {
	mappings := m.Mappings()
	stats := MappingStatistics{
		TotalSentences: len(mappings),
		UniqueImages:   uniqueImages(mappings),
		ReasonCounts:   make(map[string]int),
	}
	for _, mp := range mappings {
		if strings.Contains(mp.Reason, "no_significant_change") {
			stats.ReusedSentences++
		}
		stats.ReasonCounts[mp.Reason]++
	}
	stats.ImagesSaved = stats.TotalSentences - stats.UniqueImages
	if stats.TotalSentences > 0 {
		total := float64(stats.TotalSentences)
		stats.ReusePercentage = float64(stats.ReusedSentences) / total * 100
		stats.ReductionPercentage = float64(stats.ImagesSaved) / total * 100
	}
	return stats
}

// Report 可读的统计摘要，原因按次数降序
func (m *ImageMapping) Report() string {
	stats := m.Statistics()
	var b strings.Builder
	fmt.Fprintf(&b, "Image Generation Statistics for Chapter %d:\n", m.ChapterNum())
	fmt.Fprintf(&b, "Total sentences:      %d\n", stats.TotalSentences)
	fmt.Fprintf(&b, "Unique images:        %d\n", stats.UniqueImages)
	fmt.Fprintf(&b, "Reused sentences:     %d\n", stats.ReusedSentences)
	fmt.Fprintf(&b, "Images saved:         %d\n", stats.ImagesSaved)
	fmt.Fprintf(&b, "Reduction:            %.1f%%\n", stats.ReductionPercentage)
	b.WriteString("Reasons breakdown:\n")

	reasons := make([]string, 0, len(stats.ReasonCounts))
	for r := range stats.ReasonCounts {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool {
		ci, cj := stats.ReasonCounts[reasons[i]], stats.ReasonCounts[reasons[j]]
		if ci != cj {
			return ci > cj
		}
		return reasons[i] < reasons[j]
	})
	for _, r := range reasons {
		count := stats.ReasonCounts[r]
		fmt.Fprintf(&b, "  %-30s: %3d (%5.1f%%)\n", r, count, float64(count)/float64(stats.TotalSentences)*100)
	}
	return b.String()
}
