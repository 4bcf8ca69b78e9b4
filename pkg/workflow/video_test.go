package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/screamatthewind/novel/pkg/detector"
	"github.com/screamatthewind/novel/pkg/storyboard"
	"github.com/screamatthewind/novel/pkg/tools/llm"
	"github.com/screamatthewind/novel/pkg/tools/tts"
	"github.com/screamatthewind/novel/pkg/tools/video"
)

func TestAssembleVideoBuildsEditListAndSubtitles(t *testing.T) {
	f := newFixture(t)
	f.llm.On("Complete", mock.Anything, storyboard.SystemPrompt, mock.Anything).
		Return(&llm.Completion{Text: analysisJSON, InputTokens: 100, OutputTokens: 20}, nil)
	f.images.On("Generate", mock.Anything, mock.Anything).Return([]byte("png"), nil)

	_, err := f.proc.AssembleVideo(context.Background(), 1, false)
	assert.Error(t, err, "no video processor configured")

	audioDir := filepath.Join(f.dir, "audio")
	f.proc.deps.Video = video.NewVideoProcessor(zap.NewNop(), filepath.Join(f.dir, "images"), audioDir, video.Options{})

	_, err = f.proc.AssembleVideo(context.Background(), 1, false)
	assert.ErrorContains(t, err, "没有图像映射")

	result, err := f.proc.ProcessChapter(context.Background(), ChapterParams{Number: 1, Mode: detector.ModeStoryboard})
	require.NoError(t, err)
	for _, s := range result.Sentences {
		require.NoError(t, tts.WriteWAVFile(filepath.Join(audioDir, s.AudioFile), tts.Silence(tts.DefaultSampleRate, time.Second)))
	}

	vr, err := f.proc.AssembleVideo(context.Background(), 1, false)
	require.NoError(t, err)
	assert.Equal(t, 2, vr.Clips)
	assert.Equal(t, 0, vr.Skipped)
	assert.InDelta(t, 4.0, vr.Duration, 0.001)
	assert.FileExists(t, vr.EditList)
	assert.Empty(t, vr.VideoFile)

	srt, err := os.ReadFile(vr.SubtitleFile)
	require.NoError(t, err)
	assert.Contains(t, string(srt), "Emma stared at her tablet in the factory.")
	assert.Contains(t, string(srt), "00:00:03,000 --> 00:00:04,000\nMaxim talked in the kitchen.")
}
