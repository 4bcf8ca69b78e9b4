package web_server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/screamatthewind/novel/pkg/broadcast"
	"github.com/screamatthewind/novel/pkg/database"
	mcp_pkg "github.com/screamatthewind/novel/pkg/mcp"
	"github.com/screamatthewind/novel/pkg/metrics"
	"github.com/screamatthewind/novel/pkg/storyboard"
	"github.com/screamatthewind/novel/pkg/tools/image"
	"github.com/screamatthewind/novel/pkg/tools/llm"
	"github.com/screamatthewind/novel/pkg/types"
	workflow_pkg "github.com/screamatthewind/novel/pkg/workflow"
)

const chapterText = `Emma stared at her tablet in the factory. The machines hummed around her.

* * *

Maxim talked in the kitchen.`

const analysisJSON = `{"characters_present": ["Emma"], "camera_framing": "close-up", "camera_angle": "low angle", "mood": "tense", "confidence": 0.9}`

type mockLLM struct {
	mock.Mock
}

func (m *mockLLM) Complete(ctx context.Context, system, user string) (*llm.Completion, error) {
	args := m.Called(ctx, system, user)
	c, _ := args.Get(0).(*llm.Completion)
	return c, args.Error(1)
}

type testEnv struct {
	server  *Server
	handler http.Handler
	llm     *mockLLM
	svc     *broadcast.Service
	proc    *workflow_pkg.Processor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	chapters := filepath.Join(dir, "chapters")
	require.NoError(t, os.MkdirAll(chapters, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(chapters, "The_Obsolescence_Chapter_01.md"), []byte(chapterText), 0644))

	logger := zap.NewNop()
	backend := &mockLLM{}
	backend.On("Complete", mock.Anything, storyboard.SystemPrompt, mock.Anything).
		Return(&llm.Completion{Text: analysisJSON, InputTokens: 500, OutputTokens: 100}, nil).Maybe()

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

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	svc := broadcast.NewService(100)
	go svc.Run(ctx)

	m := metrics.New()
	proc, err := workflow_pkg.NewProcessor(workflow_pkg.Dependencies{
		Logger:    logger,
		Analyzer:  analyzer,
		Images:    image.NewPlaceholder(logger, ""),
		DB:        db,
		Broadcast: svc,
		Metrics:   m,
	}, workflow_pkg.Settings{
		ChaptersDir: chapters,
		ImagesDir:   filepath.Join(dir, "images"),
		AudioDir:    filepath.Join(dir, "audio"),
		MetadataDir: filepath.Join(dir, "metadata"),
		Width:       64,
		Height:      64,
	})
	require.NoError(t, err)

	adapter := mcp_pkg.NewMCPAdapter(mcp_pkg.NewServer(proc, logger), logger)
	s := NewServer(ctx, proc, adapter, svc, m, logger)
	return &testEnv{server: s, handler: s.Router(), llm: backend, svc: svc, proc: proc}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestToolsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/api/tools", "")
	require.Equal(t, http.StatusOK, w.Code)
	tools := decode(t, w)["tools"].([]interface{})
	assert.Len(t, tools, 7)
	assert.Contains(t, tools, "process_chapter")
}

func TestProcessChapterSynchronously(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodPost, "/api/chapters/1/process", `{"mode":"storyboard","wait":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	out := decode(t, w)
	assert.Equal(t, "completed", out["status"])
	assert.Equal(t, float64(3), out["total_sentences"])
	assert.Equal(t, float64(2), out["images_generated"])
	runID := out["run_id"].(string)

	w = e.do(t, http.MethodGet, "/api/runs/"+runID, "")
	require.Equal(t, http.StatusOK, w.Code)
	run := decode(t, w)
	assert.Len(t, run["decisions"], 3)

	w = e.do(t, http.MethodGet, "/api/runs?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["runs"], 1)

	w = e.do(t, http.MethodGet, "/api/cost", "")
	require.Equal(t, http.StatusOK, w.Code)
	cost := decode(t, w)
	assert.Greater(t, cost["cost"].(float64), 0.0)
	assert.Len(t, cost["sessions"], 1)

	w = e.do(t, http.MethodDelete, "/api/chapters/1/cache", "")
	require.Equal(t, http.StatusOK, w.Code)
	cleared := decode(t, w)
	assert.Equal(t, float64(3), cleared["cache_deleted"])
	assert.Equal(t, float64(2), cleared["images_deleted"])
}

func TestProcessChapterAsyncPublishesDone(t *testing.T) {
	e := newTestEnv(t)
	client := e.svc.Subscribe()
	defer e.svc.Unsubscribe(client)

	w := e.do(t, http.MethodPost, "/api/chapters/1/process", `{"mode":"keyword"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "started", decode(t, w)["status"])

	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev := <-client.Send:
			if ev.Type == types.EventDone {
				return
			}
		case <-timeout:
			t.Fatal("no done event")
		}
	}
}

func TestProcessChapterRejectsBadInput(t *testing.T) {
	e := newTestEnv(t)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/chapters/zero/process", "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/chapters/1/process", "{").Code)

	w := e.do(t, http.MethodPost, "/api/chapters/9/process", `{"wait":true}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = e.do(t, http.MethodPost, "/api/chapters/1/video?render=false", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code, "no video processor configured")
}

func TestDecideEndpoint(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodPost, "/api/decide", `{"chapter":3,"text":"Emma stared at her tablet in the factory. Emma sighed."}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Equal(t, float64(2), out["total_sentences"])
	sentences := out["sentences"].([]interface{})
	assert.Equal(t, "first_sentence", sentences[0].(map[string]interface{})["reason"])

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/decide", `{"chapter":3}`).Code)
}

func TestAnalyzeEndpoint(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodPost, "/api/analyze", `{"chapter":1,"text":"Emma stared at her tablet."}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "close-up", decode(t, w)["camera_framing"])

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/analyze", `{"chapter":1}`).Code)
}

func TestExecuteToolEndpoint(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodPost, "/api/tools/update_character_attribute",
		`{"chapter_number":2,"character":"Emma","attribute":"hair","value":"tied back","reason":"tied her hair back"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["applied"])

	w = e.do(t, http.MethodGet, "/api/chapters/2/attributes?character=Emma", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tied back")

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/chapters/2/attributes?character=Nobody", "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/api/tools/no_such_tool", "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/tools/analyze_sentence", `{"chapter_number":1}`).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, "/api/decide", `{"text":"Emma sighed."}`)
	w := e.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "visual_change_decisions_total")
}

func TestWebSocketReceivesEvents(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return e.svc.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)
	e.svc.SendLog("process_chapter", "hello")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev types.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "hello", ev.Message)
	assert.Equal(t, types.EventLog, ev.Type)
	assert.NotEmpty(t, ev.Timestamp)
}
