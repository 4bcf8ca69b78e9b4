package file

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileManager 输出目录与 JSON 文件读写
type FileManager struct{}

func NewFileManager() *FileManager {
	return &FileManager{}
}

// OutputLayout 流水线输出目录。图像与音频文件名自带章节前缀，所有章节共用同一目录。
type OutputLayout struct {
	ImagesDir   string `json:"images_dir"`
	AudioDir    string `json:"audio_dir"`
	MetadataDir string `json:"metadata_dir"`
}

// PrepareOutput 创建输出目录
func (fm *FileManager) PrepareOutput(layout OutputLayout) error {
	for _, dir := range []string{layout.ImagesDir, layout.AudioDir, layout.MetadataDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建目录 %s 失败: %w", dir, err)
		}
	}
	return nil
}

func (fm *FileManager) SaveJSON(path string, data interface{}) error {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化JSON失败: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}
	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return fmt.Errorf("写入JSON文件失败: %w", err)
	}
	return nil
}

func (fm *FileManager) LoadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("解析JSON文件失败 %s: %w", path, err)
	}
	return nil
}

// FileExists 路径存在且不是目录
func (fm *FileManager) FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// EnsureDir 创建目录
func (fm *FileManager) EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("创建目录 %s 失败: %w", dir, err)
	}
	return nil
}

// WriteFile 写入文本文件，必要时创建目录
func (fm *FileManager) WriteFile(path, content string) error {
	if err := fm.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("写入文件 %s 失败: %w", path, err)
	}
	return nil
}
