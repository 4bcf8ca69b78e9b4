package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/screamatthewind/novel/pkg/broadcast"
	"github.com/screamatthewind/novel/pkg/database"
	"github.com/screamatthewind/novel/pkg/detector"
	"github.com/screamatthewind/novel/pkg/metrics"
	"github.com/screamatthewind/novel/pkg/storyboard"
	"github.com/screamatthewind/novel/pkg/tools/file"
	"github.com/screamatthewind/novel/pkg/tools/image"
	"github.com/screamatthewind/novel/pkg/tools/llm"
	"github.com/screamatthewind/novel/pkg/types"
)

const chapterText = `Emma stared at her tablet in the factory. The machines hummed around her. Emma sighed.

* * *

Maxim talked in the kitchen.`

const analysisJSON = `{
  "characters_present": ["Emma"],
  "camera_framing": "medium shot",
  "camera_angle": "eye level",
  "expressions": {"emma": "calm"},
  "spatial_context": "the factory floor",
  "mood": "calm",
  "confidence": 0.9,
  "attribute_changes": [
    {"character_name": "Emma", "attribute_type": "hair", "new_state": "tied back", "explicit_mention": "tied her hair back", "confidence": 0.5}
  ]
}`

type mockLLM struct {
	mock.Mock
}

func (m *mockLLM) Complete(ctx context.Context, system, user string) (*llm.Completion, error) {
	args := m.Called(ctx, system, user)
	c, _ := args.Get(0).(*llm.Completion)
	return c, args.Error(1)
}

type mockImages struct {
	mock.Mock
}

func (m *mockImages) Generate(ctx context.Context, req image.Request) ([]byte, error) {
	args := m.Called(ctx, req)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

type fixture struct {
	proc   *Processor
	llm    *mockLLM
	images *mockImages
	db     *database.GormManager
	events *broadcast.Client
	dir    string
	cancel context.CancelFunc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	chapters := filepath.Join(dir, "chapters")
	require.NoError(t, os.MkdirAll(chapters, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(chapters, "The_Obsolescence_Chapter_01.md"), []byte(chapterText), 0644))

	logger := zap.NewNop()
	backend := &mockLLM{}
	analyzer, err := storyboard.NewAnalyzer(storyboard.Options{
		Store:     storyboard.NewMemoryStore(0),
		Backend:   backend,
		Logger:    logger,
		ImagesDir: filepath.Join(dir, "images"),
	})
	require.NoError(t, err)

	db, err := database.NewGormManager(filepath.Join(dir, "novel.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	svc := broadcast.NewService(100)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go svc.Run(ctx)

	images := &mockImages{}
	proc, err := NewProcessor(Dependencies{
		Logger:    logger,
		Analyzer:  analyzer,
		Images:    images,
		DB:        db,
		Broadcast: svc,
		Metrics:   metrics.New(),
	}, Settings{
		ChaptersDir: chapters,
		ImagesDir:   filepath.Join(dir, "images"),
		AudioDir:    filepath.Join(dir, "audio"),
		MetadataDir: filepath.Join(dir, "metadata"),
		Width:       64,
		Height:      64,
	})
	require.NoError(t, err)
	return &fixture{proc: proc, llm: backend, images: images, db: db, events: svc.Subscribe(), dir: dir, cancel: cancel}
}

func TestProcessChapterStoryboardMode(t *testing.T) {
	f := newFixture(t)
	f.llm.On("Complete", mock.Anything, storyboard.SystemPrompt, mock.Anything).
		Return(&llm.Completion{Text: analysisJSON, InputTokens: 1000, OutputTokens: 200}, nil)
	f.images.On("Generate", mock.Anything, mock.Anything).Return([]byte("png"), nil)

	result, err := f.proc.ProcessChapter(context.Background(), ChapterParams{Number: 1, Mode: detector.ModeStoryboard})
	require.NoError(t, err)

	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, 4, result.TotalSentences)
	assert.Equal(t, 2, result.ImagesGenerated)
	assert.Equal(t, 2, result.ImagesReused)
	f.images.AssertNumberOfCalls(t, "Generate", 2)

	require.Len(t, result.Sentences, 4)
	assert.Equal(t, detector.ReasonFirstSentence, result.Sentences[0].Reason)
	assert.NotEmpty(t, result.Sentences[0].Prompt)
	assert.Equal(t, detector.ReasonNoChange, result.Sentences[1].Reason)
	assert.Equal(t, result.Sentences[0].ImageFile, result.Sentences[1].ImageFile)
	assert.Equal(t, detector.ReasonFirstSentence, result.Sentences[3].Reason, "new scene starts a new baseline")
	assert.FileExists(t, filepath.Join(f.dir, "images", result.Sentences[0].ImageFile))

	assert.Equal(t, 4, result.Usage.APICalls)
	assert.Equal(t, 4000, result.Usage.TotalInputTokens)
	assert.InDelta(t, 4000*0.80/1e6+800*4.00/1e6, result.Cost, 1e-9)

	mapping, err := file.LoadImageMapping(1, filepath.Join(f.dir, "metadata"))
	require.NoError(t, err)
	assert.Len(t, mapping.Mappings(), 4)
	assert.Equal(t, 2, result.Mapping.UniqueImages)

	run, err := f.db.GetRun(result.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, database.StatusCompleted, run.Status)
	assert.Len(t, run.Decisions, 4)
	require.Len(t, run.AttributeChanges, 4)
	assert.False(t, run.AttributeChanges[0].Applied)

	totals, err := f.db.CostTotals()
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.Sessions)
	assert.Equal(t, int64(4), totals.APICalls)

	// 低置信度的变更不会改变属性
	st, ok := f.proc.ChapterManager(1).GetCurrentAttributes("emma")
	require.True(t, ok)
	assert.Empty(t, st.ChangeHistory)

	ev := <-f.events.Send
	assert.Equal(t, types.EventDecision, ev.Type)
}

func TestProcessChapterSecondRunHitsCache(t *testing.T) {
	f := newFixture(t)
	f.llm.On("Complete", mock.Anything, mock.Anything, mock.Anything).
		Return(&llm.Completion{Text: analysisJSON, InputTokens: 1000, OutputTokens: 200}, nil)
	f.images.On("Generate", mock.Anything, mock.Anything).Return([]byte("png"), nil)

	_, err := f.proc.ProcessChapter(context.Background(), ChapterParams{Number: 1})
	require.NoError(t, err)
	second, err := f.proc.ProcessChapter(context.Background(), ChapterParams{Number: 1})
	require.NoError(t, err)

	assert.Equal(t, 0, second.Usage.APICalls)
	assert.Equal(t, 4, second.Usage.CacheHits)
	f.llm.AssertNumberOfCalls(t, "Complete", 4)
	// 图片已存在，不再调用后端
	f.images.AssertNumberOfCalls(t, "Generate", 2)

	totals, err := f.db.CostTotals()
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.Sessions, "runs without API calls record no cost session")
}

func TestProcessChapterImageFailureKeepsGoing(t *testing.T) {
	f := newFixture(t)
	f.llm.On("Complete", mock.Anything, mock.Anything, mock.Anything).
		Return(&llm.Completion{Text: analysisJSON}, nil)
	f.images.On("Generate", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

	result, err := f.proc.ProcessChapter(context.Background(), ChapterParams{Number: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, result.ImagesFailed)
	assert.Equal(t, 0, result.ImagesGenerated)
	assert.Equal(t, 2, result.ImagesReused)
	assert.NotEmpty(t, result.Sentences[0].Error)
	assert.Empty(t, result.Sentences[0].ImageFile)
	assert.Equal(t, detector.ReasonNoChange, result.Sentences[1].Reason)
}

func TestProcessChapterKeywordDryRun(t *testing.T) {
	f := newFixture(t)

	result, err := f.proc.ProcessChapter(context.Background(), ChapterParams{Number: 7, Text: chapterText, Mode: detector.ModeKeyword, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 7, result.ChapterNum)
	assert.Empty(t, result.RunID)
	assert.Equal(t, result.TotalSentences, result.ImagesGenerated+result.ImagesReused)
	assert.True(t, result.Sentences[0].Generate)
	assert.Equal(t, detector.ReasonFirstSentence, result.Sentences[3].Reason)

	f.llm.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)
	f.images.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
	_, statErr := os.Stat(filepath.Join(f.dir, "metadata"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestProcessChapterRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.proc.ProcessChapter(context.Background(), ChapterParams{Number: 1, Mode: "pixel"})
	assert.Error(t, err)

	_, err = f.proc.ProcessChapter(context.Background(), ChapterParams{Number: 9})
	assert.Error(t, err)

	f.proc.running.Lock()
	_, err = f.proc.ProcessChapter(context.Background(), ChapterParams{Number: 1})
	assert.ErrorIs(t, err, ErrBusy)
	f.proc.running.Unlock()
}

func TestProcessChapterCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.proc.ProcessChapter(ctx, ChapterParams{Number: 1, Mode: detector.ModeKeyword})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "failed", result.Status)

	run, err := f.db.GetRun(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusFailed, run.Status)
}

func TestBatchProcess(t *testing.T) {
	f := newFixture(t)
	f.images.On("Generate", mock.Anything, mock.Anything).Return([]byte("png"), nil)
	require.NoError(t, os.WriteFile(filepath.Join(f.proc.settings.ChaptersDir, "The_Obsolescence_Chapter_02.md"), []byte("Maxim walked down the street."), 0644))

	results, err := f.proc.BatchProcess(context.Background(), detector.ModeKeyword, false)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].ChapterNum)
	assert.Equal(t, 2, results[1].ChapterNum)
}

func TestDeleteChapterCache(t *testing.T) {
	f := newFixture(t)
	f.llm.On("Complete", mock.Anything, mock.Anything, mock.Anything).
		Return(&llm.Completion{Text: analysisJSON}, nil)
	f.images.On("Generate", mock.Anything, mock.Anything).Return([]byte("png"), nil)

	_, err := f.proc.ProcessChapter(context.Background(), ChapterParams{Number: 1})
	require.NoError(t, err)

	cacheDeleted, imagesDeleted, err := f.proc.DeleteChapterCache(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 4, cacheDeleted)
	assert.Equal(t, 2, imagesDeleted)
}
