package tts

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// 片段之间的停顿
const (
	ChunkPause   = 200 * time.Millisecond
	SegmentPause = 300 * time.Millisecond
)

// Synthesizer 语音合成后端，voiceRef 为参考音频路径
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceRef string) (*Audio, error)
}

// Voices 角色名到参考音频的映射，未配置的角色使用旁白音色
type Voices struct {
	refs  map[string]string
	order []string
}

// DefaultVoices 内置角色音色表
func DefaultVoices() Voices {
	return NewVoices(map[string]string{
		"narrator": "voices/narrator_neutral.wav",
		"emma":     "voices/emma_american.wav",
		"maxim":    "voices/maxim_russian.wav",
		"amara":    "voices/amara_kenyan.wav",
		"tyler":    "voices/tyler_teen.wav",
		"elena":    "voices/elena_russian.wav",
		"mark":     "voices/narrator_neutral.wav",
		"diane":    "voices/narrator_neutral.wav",
		"ramirez":  "voices/narrator_neutral.wav",
	})
}

// NewVoices 角色名统一转小写
func NewVoices(refs map[string]string) Voices {
	v := Voices{refs: make(map[string]string, len(refs))}
	for name, path := range refs {
		name = strings.ToLower(strings.TrimSpace(name))
		v.refs[name] = path
		if name != NarratorSpeaker {
			v.order = append(v.order, name)
		}
	}
	sort.Strings(v.order)
	return v
}

// For 说话人的参考音频
func (v Voices) For(speaker string) string {
	if ref, ok := v.refs[strings.ToLower(strings.TrimSpace(speaker))]; ok {
		return ref
	}
	return v.refs[NarratorSpeaker]
}

// Characters 已配置音色的角色（不含旁白），按名称排序
func (v Voices) Characters() []string {
	return append([]string(nil), v.order...)
}

// Validate 检查每个参考音频文件是否存在
func (v Voices) Validate() map[string]bool {
	status := make(map[string]bool, len(v.refs))
	for name, path := range v.refs {
		_, err := os.Stat(path)
		status[name] = err == nil
	}
	return status
}

// Narrator 把句子文本转换为多角色旁白音频
type Narrator struct {
	synth    Synthesizer
	voices   Voices
	logger   *zap.Logger
	maxChunk int
}

// NewNarrator 创建旁白生成器
func NewNarrator(synth Synthesizer, voices Voices, logger *zap.Logger) *Narrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Narrator{synth: synth, voices: voices, logger: logger, maxChunk: MaxChunkChars}
}

// Speak 用同一音色合成一段文本：超长时按句切块，块之间插入 200ms 停顿。
// 单块失败时跳过，全部失败才返回错误。
func (n *Narrator) Speak(ctx context.Context, text, voiceRef string) (*Audio, error) {
	chunks := ChunkText(strings.TrimSpace(text), n.maxChunk)
	var (
		parts   []*Audio
		lastErr error
	)
	for i, chunk := range chunks {
		if chunk == "" {
			continue
		}
		audio, err := n.synth.Synthesize(ctx, chunk, voiceRef)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			n.logger.Warn("语音分块合成失败，跳过",
				zap.Int("chunk", i+1),
				zap.Int("chunks", len(chunks)),
				zap.Error(err))
			lastErr = err
			continue
		}
		parts = append(parts, audio)
	}
	if len(parts) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("没有可合成的文本")
		}
		return nil, fmt.Errorf("语音合成失败: %w", lastErr)
	}
	return Concatenate(parts, ChunkPause)
}

// Narrate 拆分对白与旁白，按说话人选择音色合成，片段之间插入 300ms 停顿
func (n *Narrator) Narrate(ctx context.Context, text string) (*Audio, error) {
	segments := ParseDialogue(text, n.voices.Characters())
	if len(segments) == 0 {
		return nil, fmt.Errorf("文本为空，无法生成旁白")
	}
	parts := make([]*Audio, 0, len(segments))
	for _, seg := range segments {
		audio, err := n.Speak(ctx, seg.Text, n.voices.For(seg.Speaker))
		if err != nil {
			return nil, fmt.Errorf("合成片段失败 (speaker=%s): %w", seg.Speaker, err)
		}
		parts = append(parts, audio)
	}
	return Concatenate(parts, SegmentPause)
}

// NarrateToFile 生成旁白并写入 WAV 文件，返回音频时长
func (n *Narrator) NarrateToFile(ctx context.Context, text, path string) (time.Duration, error) {
	audio, err := n.Narrate(ctx, text)
	if err != nil {
		return 0, err
	}
	if err := WriteWAVFile(path, audio); err != nil {
		return 0, err
	}
	n.logger.Info("旁白音频已生成",
		zap.String("output_file", path),
		zap.Duration("duration", audio.Duration()))
	return audio.Duration(), nil
}
