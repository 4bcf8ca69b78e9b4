package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Complete(ctx context.Context, system, user string) (*Completion, error) {
	args := m.Called(ctx, system, user)
	c, _ := args.Get(0).(*Completion)
	return c, args.Error(1)
}

func TestOpenAIClientComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "haiku", body["model"])
		msgs := body["messages"].([]any)
		require.Len(t, msgs, 2)
		assert.Equal(t, "system", msgs[0].(map[string]any)["role"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"confidence\":0.9}"},"finish_reason":"stop"}],"usage":{"prompt_tokens":120,"completion_tokens":30,"total_tokens":150}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(zap.NewNop(), Config{BaseURL: srv.URL + "/v1", APIKey: "k", Model: "haiku", MaxTokens: 1000}, srv.Client())
	out, err := c.Complete(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, `{"confidence":0.9}`, out.Text)
	assert.Equal(t, 120, out.InputTokens)
	assert.Equal(t, 30, out.OutputTokens)
}

func TestOpenAIClientTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(zap.NewNop(), Config{BaseURL: srv.URL + "/v1", Model: "m"}, srv.Client())
	_, err := c.Complete(context.Background(), "sys", "user")
	assert.ErrorIs(t, err, ErrGeneration)
}

func TestOllamaClientComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, false, body["stream"])
		assert.Equal(t, "json", body["format"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":"{\"mood\":\"tense\"}"},"done":true,"prompt_eval_count":42,"eval_count":7}` + "\n"))
	}))
	defer srv.Close()

	c, err := NewOllamaClient(zap.NewNop(), Config{BaseURL: srv.URL, Model: "llama3"}, srv.Client())
	require.NoError(t, err)
	out, err := c.Complete(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, `{"mood":"tense"}`, out.Text)
	assert.Equal(t, 42, out.InputTokens)
	assert.Equal(t, 7, out.OutputTokens)
}

func TestResilientClientRetriesThenSucceeds(t *testing.T) {
	inner := new(mockClient)
	inner.On("Complete", mock.Anything, "s", "u").Return(nil, ErrGeneration).Twice()
	inner.On("Complete", mock.Anything, "s", "u").Return(&Completion{Text: "ok"}, nil).Once()

	rc := NewResilientClient(inner, zap.NewNop(), 3, 0)
	rc.initialInterval = time.Millisecond

	out, err := rc.Complete(context.Background(), "s", "u")
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Text)
	inner.AssertNumberOfCalls(t, "Complete", 3)
}

func TestResilientClientGivesUp(t *testing.T) {
	inner := new(mockClient)
	inner.On("Complete", mock.Anything, "s", "u").Return(nil, ErrGeneration)

	rc := NewResilientClient(inner, zap.NewNop(), 1, 0)
	rc.initialInterval = time.Millisecond

	_, err := rc.Complete(context.Background(), "s", "u")
	assert.True(t, errors.Is(err, ErrGeneration))
	inner.AssertNumberOfCalls(t, "Complete", 2)
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(Config{Provider: "carrier-pigeon"}, nil)
	assert.Error(t, err)

	c, err := New(Config{Provider: ProviderOllama, BaseURL: "http://localhost:11434", MaxRetries: 2, RequestsPerSecond: 5}, nil)
	require.NoError(t, err)
	assert.IsType(t, &ResilientClient{}, c)
}
