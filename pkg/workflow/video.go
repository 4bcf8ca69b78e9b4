package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/screamatthewind/novel/pkg/tools/file"
	"github.com/screamatthewind/novel/pkg/tools/video"
	"github.com/screamatthewind/novel/pkg/types"
)

// VideoResult 章节视频合成结果
type VideoResult struct {
	ChapterNum   int     `json:"chapter_num"`
	Clips        int     `json:"clips"`
	Skipped      int     `json:"skipped"`
	Duration     float64 `json:"duration"`
	EditList     string  `json:"edit_list"`
	SubtitleFile string  `json:"subtitle_file,omitempty"`
	VideoFile    string  `json:"video_file,omitempty"`
}

// AssembleVideo 读取章节映射与旁白，生成编辑清单和字幕；render 为 true 时调用 ffmpeg 输出视频
func (p *Processor) AssembleVideo(ctx context.Context, chapterNum int, render bool) (*VideoResult, error) {
	vp := p.deps.Video
	if vp == nil {
		return nil, errors.New("未配置视频合成")
	}
	mapping, err := file.LoadImageMapping(chapterNum, p.settings.MetadataDir)
	if err != nil {
		return nil, err
	}
	if len(mapping.Mappings()) == 0 {
		return nil, fmt.Errorf("第 %d 章没有图像映射，请先处理章节", chapterNum)
	}

	// 字幕文本来自章节原文，找不到章节文件时不输出字幕
	texts := map[string]string{}
	if _, sentences, err := p.loadSentences(ChapterParams{Number: chapterNum}); err == nil {
		for _, s := range sentences {
			texts[video.CueKey(s.SceneNum, s.SentenceNum)] = s.Content
		}
	} else {
		p.logger.Warn("读取章节原文失败，不生成字幕", zap.Int("chapter", chapterNum), zap.Error(err))
	}

	tl, err := vp.BuildTimeline(chapterNum, mapping.Mappings(), texts)
	if err != nil {
		return nil, err
	}
	result := &VideoResult{
		ChapterNum: chapterNum,
		Clips:      len(tl.Clips),
		Skipped:    tl.Skipped,
		Duration:   tl.Duration,
	}
	if result.EditList, err = vp.GenerateEditList(tl, p.settings.MetadataDir); err != nil {
		return nil, err
	}
	if srt := video.RenderSRT(tl); srt != "" {
		result.SubtitleFile = filepath.Join(p.videoDir(), fmt.Sprintf("chapter_%02d.srt", chapterNum))
		if err := p.fileTool.WriteFile(result.SubtitleFile, srt); err != nil {
			return nil, err
		}
	}

	if render {
		out := filepath.Join(p.videoDir(), fmt.Sprintf("chapter_%02d.mp4", chapterNum))
		if err := vp.Render(ctx, tl, p.settings.MetadataDir, out); err != nil {
			return result, err
		}
		result.VideoFile = out
	}
	p.publish(types.EventDone, fmt.Sprintf("第 %d 章视频组装完成", chapterNum), result)
	return result, nil
}

func (p *Processor) videoDir() string {
	if p.settings.VideoDir != "" {
		return p.settings.VideoDir
	}
	return filepath.Join(filepath.Dir(filepath.Clean(p.settings.ImagesDir)), "videos")
}
