/*视频组装*/
package video

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/screamatthewind/novel/pkg/tools/file"
	"github.com/screamatthewind/novel/pkg/tools/tts"
)

// ErrNoClips 映射中没有图片和音频都存在的句子
var ErrNoClips = errors.New("没有可用的图片与音频配对")

// 默认输出参数，横屏 1080p
const (
	DefaultWidth  = 1920
	DefaultHeight = 1080
	DefaultFPS    = 30
	DefaultCRF    = 18
)

// Options 视频参数，零值取默认
type Options struct {
	FFmpegPath string `mapstructure:"ffmpeg_path"`
	Width      int    `mapstructure:"width"`
	Height     int    `mapstructure:"height"`
	FPS        int    `mapstructure:"fps"`
	CRF        int    `mapstructure:"crf"`
	Preset     string `mapstructure:"preset"`
}

// Cue 一句旁白在时间线上的位置，用于字幕
type Cue struct {
	SceneNum    int     `json:"scene_num"`
	SentenceNum int     `json:"sentence_num"`
	Audio       string  `json:"audio"`
	Text        string  `json:"text,omitempty"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
}

// Clip 一张图片连续显示的区间，相邻复用同一图片的句子合并为一个片段
type Clip struct {
	Image    string  `json:"image"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Cues     []Cue   `json:"cues"`
}

// Timeline 章节时间线
type Timeline struct {
	Chapter   int       `json:"chapter"`
	CreatedAt time.Time `json:"created_at"`
	Duration  float64   `json:"duration"`
	Clips     []Clip    `json:"clips"`
	Skipped   int       `json:"skipped"`
}

// VideoProcessor 按图像映射把图片与旁白音频组装成视频
type VideoProcessor struct {
	logger    *zap.Logger
	fileTool  *file.FileManager
	imagesDir string
	audioDir  string
	opts      Options

	// run 执行外部命令，测试中替换
	run func(ctx context.Context, name string, args ...string) error
}

// NewVideoProcessor 创建视频处理器
func NewVideoProcessor(logger *zap.Logger, imagesDir, audioDir string, opts Options) *VideoProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = DefaultWidth, DefaultHeight
	}
	if opts.FPS <= 0 {
		opts.FPS = DefaultFPS
	}
	if opts.CRF <= 0 {
		opts.CRF = DefaultCRF
	}
	if opts.Preset == "" {
		opts.Preset = "medium"
	}
	vp := &VideoProcessor{
		logger:    logger,
		fileTool:  file.NewFileManager(),
		imagesDir: imagesDir,
		audioDir:  audioDir,
		opts:      opts,
	}
	vp.run = vp.execCommand
	return vp
}

func (vp *VideoProcessor) execCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		tail := string(out)
		if len(tail) > 2000 {
			tail = tail[len(tail)-2000:]
		}
		return fmt.Errorf("%s 执行失败: %w\n%s", name, err, tail)
	}
	return nil
}

// audioDuration 读取 WAV 时长
func (vp *VideoProcessor) audioDuration(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	a, err := tts.DecodeWAV(data)
	if err != nil {
		return 0, err
	}
	return a.Duration().Seconds(), nil
}

// BuildTimeline 按映射顺序排列句子。图片或音频缺失的句子跳过。
// texts 以 "场景号:句号" 为键提供字幕文本，可为 nil。
func (vp *VideoProcessor) BuildTimeline(chapterNum int, mappings []file.Mapping, texts map[string]string) (*Timeline, error) {
	tl := &Timeline{Chapter: chapterNum, CreatedAt: time.Now()}
	for _, m := range mappings {
		imagePath := filepath.Join(vp.imagesDir, m.ImageFile)
		if !vp.fileTool.FileExists(imagePath) {
			vp.logger.Warn("缺少图片，跳过", zap.String("image", m.ImageFile))
			tl.Skipped++
			continue
		}
		duration, err := vp.audioDuration(filepath.Join(vp.audioDir, m.AudioFile))
		if err != nil {
			vp.logger.Warn("缺少或无法读取音频，跳过", zap.String("audio", m.AudioFile), zap.Error(err))
			tl.Skipped++
			continue
		}

		cue := Cue{
			SceneNum:    m.SceneNum,
			SentenceNum: m.SentenceNum,
			Audio:       m.AudioFile,
			Text:        texts[CueKey(m.SceneNum, m.SentenceNum)],
			Start:       tl.Duration,
			Duration:    duration,
		}
		if n := len(tl.Clips); n > 0 && tl.Clips[n-1].Image == m.ImageFile {
			tl.Clips[n-1].Duration += duration
			tl.Clips[n-1].Cues = append(tl.Clips[n-1].Cues, cue)
		} else {
			tl.Clips = append(tl.Clips, Clip{Image: m.ImageFile, Start: tl.Duration, Duration: duration, Cues: []Cue{cue}})
		}
		tl.Duration += duration
	}
	if len(tl.Clips) == 0 {
		return tl, ErrNoClips
	}
	return tl, nil
}

// CueKey 字幕文本的键
func CueKey(sceneNum, sentenceNum int) string {
	return fmt.Sprintf("%d:%d", sceneNum, sentenceNum)
}

// GenerateEditList 写入 chapter_NN_edit_list.json
func (vp *VideoProcessor) GenerateEditList(tl *Timeline, dir string) (string, error) {
	path := filepath.Join(dir, fmt.Sprintf("chapter_%02d_edit_list.json", tl.Chapter))
	if err := vp.fileTool.SaveJSON(path, tl); err != nil {
		return "", fmt.Errorf("写入编辑清单文件失败: %w", err)
	}
	return path, nil
}

// formatSRTTime 00:01:02,345
func formatSRTTime(seconds float64) string {
	ms := int64(seconds*1000 + 0.5)
	h := ms / 3600000
	ms %= 3600000
	m := ms / 60000
	ms %= 60000
	s := ms / 1000
	ms %= 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// RenderSRT 每句一条字幕，没有文本的句子不输出
func RenderSRT(tl *Timeline) string {
	var b strings.Builder
	index := 0
	for _, clip := range tl.Clips {
		for _, cue := range clip.Cues {
			text := strings.TrimSpace(cue.Text)
			if text == "" {
				continue
			}
			index++
			fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", index,
				formatSRTTime(cue.Start), formatSRTTime(cue.Start+cue.Duration), text)
		}
	}
	return b.String()
}

// concatLists 生成 ffmpeg concat 清单。图片清单末尾重复最后一张，否则最后的 duration 会被忽略。
func (vp *VideoProcessor) concatLists(tl *Timeline) (images, audio string) {
	var ib, ab strings.Builder
	for _, clip := range tl.Clips {
		fmt.Fprintf(&ib, "file '%s'\nduration %.3f\n", escapeConcat(absPath(filepath.Join(vp.imagesDir, clip.Image))), clip.Duration)
		for _, cue := range clip.Cues {
			fmt.Fprintf(&ab, "file '%s'\n", escapeConcat(absPath(filepath.Join(vp.audioDir, cue.Audio))))
		}
	}
	if n := len(tl.Clips); n > 0 {
		fmt.Fprintf(&ib, "file '%s'\n", escapeConcat(absPath(filepath.Join(vp.imagesDir, tl.Clips[n-1].Image))))
	}
	return ib.String(), ab.String()
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func escapeConcat(p string) string {
	return strings.ReplaceAll(p, "'", `'\''`)
}

// Render 调用 ffmpeg 输出 MP4，图片等比缩放后居中补黑边
func (vp *VideoProcessor) Render(ctx context.Context, tl *Timeline, workDir, outPath string) error {
	if len(tl.Clips) == 0 {
		return ErrNoClips
	}
	images, audio := vp.concatLists(tl)
	imagesList := filepath.Join(workDir, fmt.Sprintf("chapter_%02d_images.txt", tl.Chapter))
	audioList := filepath.Join(workDir, fmt.Sprintf("chapter_%02d_audio.txt", tl.Chapter))
	if err := vp.fileTool.WriteFile(imagesList, images); err != nil {
		return err
	}
	if err := vp.fileTool.WriteFile(audioList, audio); err != nil {
		return err
	}
	if err := vp.fileTool.EnsureDir(filepath.Dir(outPath)); err != nil {
		return err
	}

	w, h := vp.opts.Width, vp.opts.Height
	filter := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,format=yuv420p", w, h, w, h)
	args := []string{
		"-y",
		"-f", "concat", "-safe", "0", "-i", imagesList,
		"-f", "concat", "-safe", "0", "-i", audioList,
		"-vf", filter,
		"-r", fmt.Sprint(vp.opts.FPS),
		"-c:v", "libx264", "-preset", vp.opts.Preset, "-crf", fmt.Sprint(vp.opts.CRF),
		"-c:a", "aac",
		"-shortest",
		outPath,
	}
	vp.logger.Info("开始合成视频",
		zap.Int("chapter", tl.Chapter),
		zap.Int("clips", len(tl.Clips)),
		zap.Float64("duration", tl.Duration),
		zap.String("output", outPath))
	start := time.Now()
	if err := vp.run(ctx, vp.opts.FFmpegPath, args...); err != nil {
		return fmt.Errorf("合成视频失败: %w", err)
	}
	vp.logger.Info("视频合成完成", zap.String("output", outPath), zap.Duration("elapsed", time.Since(start)))
	return nil
}
