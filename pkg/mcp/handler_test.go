package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	mcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/screamatthewind/novel/pkg/storyboard"
	"github.com/screamatthewind/novel/pkg/tools/image"
	"github.com/screamatthewind/novel/pkg/tools/llm"
	"github.com/screamatthewind/novel/pkg/workflow"
)

type mockLLM struct {
	mock.Mock
}

func (m *mockLLM) Complete(ctx context.Context, system, user string) (*llm.Completion, error) {
	args := m.Called(ctx, system, user)
	c, _ := args.Get(0).(*llm.Completion)
	return c, args.Error(1)
}

const analysisJSON = `{"characters_present": ["Emma"], "camera_framing": "close-up", "camera_angle": "low angle", "mood": "tense", "confidence": 0.9}`

func newTestServer(t *testing.T) (*Server, *mockLLM) {
	t.Helper()
	dir := t.TempDir()
	backend := &mockLLM{}
	analyzer, err := storyboard.NewAnalyzer(storyboard.Options{
		Store:     storyboard.NewMemoryStore(0),
		Backend:   backend,
		ImagesDir: filepath.Join(dir, "images"),
	})
	require.NoError(t, err)
	proc, err := workflow.NewProcessor(workflow.Dependencies{
		Logger:   zap.NewNop(),
		Analyzer: analyzer,
		Images:   image.NewPlaceholder(nil, ""),
	}, workflow.Settings{
		ChaptersDir: dir,
		ImagesDir:   filepath.Join(dir, "images"),
		MetadataDir: filepath.Join(dir, "metadata"),
		Width:       64,
		Height:      64,
	})
	require.NoError(t, err)
	return NewServer(proc, zap.NewNop()), backend
}

func callRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, r *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, r)
	require.NotEmpty(t, r.Content)
	switch c := r.Content[0].(type) {
	case mcp.TextContent:
		return c.Text
	case *mcp.TextContent:
		return c.Text
	}
	t.Fatalf("unexpected content type %T", r.Content[0])
	return ""
}

func TestRegisterTools(t *testing.T) {
	s, _ := newTestServer(t)
	assert.ElementsMatch(t, []string{
		"process_chapter", "analyze_sentence", "keyword_decision",
		"get_character_attributes", "update_character_attribute",
		"delete_chapter_cache", "cost_estimate",
	}, s.GetToolNames())
}

func TestAnalyzeSentenceTool(t *testing.T) {
	s, backend := newTestServer(t)
	backend.On("Complete", mock.Anything, mock.Anything, mock.Anything).
		Return(&llm.Completion{Text: analysisJSON, InputTokens: 100, OutputTokens: 50}, nil).Once()
	h := s.GetHandler()

	args := map[string]interface{}{"text": "Emma froze.", "chapter_number": 2.0, "scene_number": 1.0, "sentence_number": 4.0}
	for i := 0; i < 2; i++ {
		r, err := h.handleAnalyzeSentence(context.Background(), callRequest("analyze_sentence", args))
		require.NoError(t, err)
		require.False(t, r.IsError)

		var a storyboard.Analysis
		require.NoError(t, json.Unmarshal([]byte(resultText(t, r)), &a))
		assert.Equal(t, "close-up", a.CameraFraming)
		assert.Equal(t, 4, a.SentenceNum)
	}
	backend.AssertNumberOfCalls(t, "Complete", 1)

	r, err := h.handleAnalyzeSentence(context.Background(), callRequest("analyze_sentence", map[string]interface{}{"chapter_number": 2.0}))
	require.NoError(t, err)
	assert.True(t, r.IsError)
}

func TestCharacterAttributeTools(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.GetHandler()
	ctx := context.Background()

	r, err := h.handleUpdateCharacterAttribute(ctx, callRequest("update_character_attribute", map[string]interface{}{
		"chapter_number": 1.0, "character": "Emma", "attribute": "hair", "value": "tied back", "sentence_number": 5.0,
	}))
	require.NoError(t, err)
	var updated struct {
		Applied bool `json:"applied"`
		State   struct {
			Hair string `json:"hair"`
		} `json:"state"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, r)), &updated))
	assert.True(t, updated.Applied)
	assert.Equal(t, "tied back", updated.State.Hair)

	r, err = h.handleUpdateCharacterAttribute(ctx, callRequest("update_character_attribute", map[string]interface{}{
		"chapter_number": 1.0, "character": "Emma", "attribute": "face", "value": "scarred",
	}))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(resultText(t, r)), &updated))
	assert.False(t, updated.Applied, "read-only attribute")

	r, err = h.handleUpdateCharacterAttribute(ctx, callRequest("update_character_attribute", map[string]interface{}{
		"chapter_number": 1.0, "character": "Emma", "attribute": "shoes", "value": "boots",
	}))
	require.NoError(t, err)
	assert.True(t, r.IsError)

	r, err = h.handleGetCharacterAttributes(ctx, callRequest("get_character_attributes", map[string]interface{}{"chapter_number": 1.0, "character": "emma"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, r), "tied back")

	r, err = h.handleGetCharacterAttributes(ctx, callRequest("get_character_attributes", map[string]interface{}{"chapter_number": 1.0, "character": "Nobody"}))
	require.NoError(t, err)
	assert.True(t, r.IsError)

	r, err = h.handleGetCharacterAttributes(ctx, callRequest("get_character_attributes", map[string]interface{}{"chapter_number": 1.0}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, r), `"total_changes": 1`)
}

func TestAdapterCallsTools(t *testing.T) {
	s, _ := newTestServer(t)
	adapter := NewMCPAdapter(s, zap.NewNop())
	ctx := context.Background()

	text, err := adapter.CallTool(ctx, "keyword_decision", map[string]interface{}{
		"text": "Emma stared at her tablet in the factory. Emma stared at the machines in the factory.",
	})
	require.NoError(t, err)
	var decision struct {
		TotalSentences int `json:"total_sentences"`
		Sentences      []struct {
			Generate bool   `json:"generate"`
			Reason   string `json:"reason"`
		} `json:"sentences"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &decision))
	assert.Equal(t, 2, decision.TotalSentences)
	assert.Equal(t, "first_sentence", decision.Sentences[0].Reason)
	assert.False(t, decision.Sentences[1].Generate)

	text, err = adapter.CallTool(ctx, "cost_estimate", nil)
	require.NoError(t, err)
	assert.Contains(t, text, "Storyboard Analysis Cost")

	_, err = adapter.CallTool(ctx, "delete_chapter_cache", map[string]interface{}{})
	var toolErr *ToolError
	assert.ErrorAs(t, err, &toolErr)

	_, err = adapter.CallTool(ctx, "render_video", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)
}
