package indextts2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/screamatthewind/novel/pkg/tools/tts"
)

func wavBytes(t *testing.T, samples []int16) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, tts.EncodeWAV(&buf, &tts.Audio{SampleRate: tts.DefaultSampleRate, Samples: samples}))
	return buf.Bytes()
}

func writeRef(t *testing.T) string {
	t.Helper()
	ref := filepath.Join(t.TempDir(), "narrator.wav")
	require.NoError(t, os.WriteFile(ref, []byte("RIFF"), 0644))
	return ref
}

type gradioServer struct {
	uploads   int32
	completed string
	wav       []byte
	joined    map[string]interface{}
}

func (g *gradioServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/gradio_api/upload":
		atomic.AddInt32(&g.uploads, 1)
		_ = json.NewEncoder(w).Encode([]string{"/tmp/gradio/narrator.wav"})
	case r.URL.Path == "/gradio_api/queue/join":
		_ = json.NewDecoder(r.Body).Decode(&g.joined)
		_ = json.NewEncoder(w).Encode(map[string]string{"event_id": "evt-1"})
	case r.URL.Path == "/gradio_api/queue/data":
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintln(w, `data: {"msg":"estimation","rank":0,"queue_size":1}`)
		fmt.Fprintln(w, `data: {"msg":"process_starts"}`)
		fmt.Fprintln(w, "data: "+g.completed)
	case strings.HasPrefix(r.URL.Path, "/gradio_api/file="):
		_, _ = w.Write(g.wav)
	default:
		http.NotFound(w, r)
	}
}

func TestSynthesize(t *testing.T) {
	g := &gradioServer{
		completed: `{"msg":"process_completed","success":true,"output":{"data":[{"visible":true,"value":{"path":"/tmp/gradio/out.wav"},"__type__":"update"}]}}`,
		wav:       wavBytes(t, []int16{1, 2, 3}),
	}
	srv := httptest.NewServer(g)
	defer srv.Close()

	c := NewIndexTTS2Client(zap.NewNop(), srv.URL)
	ref := writeRef(t)

	audio, err := c.Synthesize(context.Background(), "The factory hummed.", ref)
	require.NoError(t, err)
	assert.Equal(t, []int16{1, 2, 3}, audio.Samples)
	assert.Equal(t, tts.DefaultSampleRate, audio.SampleRate)

	data := g.joined["data"].([]interface{})
	assert.Equal(t, "The factory hummed.", data[2])
	assert.Equal(t, float64(9), g.joined["fn_index"])

	_, err = c.Synthesize(context.Background(), "Again.", ref)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&g.uploads))
}

func TestSynthesizeFailure(t *testing.T) {
	g := &gradioServer{completed: `{"msg":"process_completed","success":false,"output":{"error":"CUDA error"}}`}
	srv := httptest.NewServer(g)
	defer srv.Close()

	_, err := NewIndexTTS2Client(nil, srv.URL).Synthesize(context.Background(), "x", writeRef(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CUDA error")
}

func TestSynthesizeMissingReference(t *testing.T) {
	c := NewIndexTTS2Client(nil, "http://127.0.0.1:1")
	_, err := c.Synthesize(context.Background(), "x", filepath.Join(t.TempDir(), "missing.wav"))
	assert.Error(t, err)
}

func TestFetchAudioBase64(t *testing.T) {
	c := NewIndexTTS2Client(nil, "http://unused")
	item, _ := json.Marshal("data:audio/wav;base64,aGVsbG8=")
	data, err := c.fetchAudio(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}
