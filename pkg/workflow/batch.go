package workflow

import (
	"context"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/screamatthewind/novel/pkg/scene"
)

// BatchProcess 按章节号顺序处理目录中的全部章节文件。单章失败不影响后续章节。
func (p *Processor) BatchProcess(ctx context.Context, mode string, narrate bool) ([]*ChapterResult, error) {
	files, err := filepath.Glob(filepath.Join(p.settings.ChaptersDir, "*Chapter_*.md"))
	if err != nil {
		return nil, err
	}

	type chapterFile struct {
		num  int
		path string
	}
	var chapters []chapterFile
	for _, f := range files {
		n, err := scene.ExtractChapterNumber(f)
		if err != nil {
			p.logger.Warn("跳过无法识别的文件", zap.String("file", f), zap.Error(err))
			continue
		}
		chapters = append(chapters, chapterFile{num: n, path: f})
	}
	sort.Slice(chapters, func(i, j int) bool { return chapters[i].num < chapters[j].num })

	var results []*ChapterResult
	for _, c := range chapters {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result, err := p.ProcessChapter(ctx, ChapterParams{Number: c.num, Path: c.path, Mode: mode, Narrate: narrate})
		if err != nil {
			p.logger.Warn("处理章节失败", zap.Int("chapter", c.num), zap.Error(err))
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			continue
		}
		results = append(results, result)
	}
	return results, nil
}
