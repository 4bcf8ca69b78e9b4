package broadcast

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/screamatthewind/novel/pkg/types"
)

func receive(t *testing.T, c *Client) types.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Send:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return types.Event{}
}

func TestServiceFanOut(t *testing.T) {
	svc := NewService(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	a, b := svc.Subscribe(), svc.Subscribe()
	assert.Equal(t, 2, svc.Clients())

	require.True(t, svc.SendEvent("process_chapter", types.EventDecision, "sentence 1", types.DecisionEvent{SentenceNum: 1, Generate: true}))
	for _, c := range []*Client{a, b} {
		ev := receive(t, c)
		assert.Equal(t, types.EventDecision, ev.Type)
		assert.Equal(t, "process_chapter", ev.ToolName)
		assert.NotEmpty(t, ev.Timestamp)
	}

	svc.Unsubscribe(a)
	_, ok := <-a.Send
	assert.False(t, ok)
	assert.Equal(t, 1, svc.Clients())
}

func TestServiceCloseDropsClients(t *testing.T) {
	svc := NewService(1)
	done := make(chan struct{})
	go func() {
		svc.Run(context.Background())
		close(done)
	}()
	c := svc.Subscribe()

	svc.Close()
	<-done
	_, ok := <-c.Send
	assert.False(t, ok)
	assert.False(t, svc.SendLog("x", "after close"))
}

func TestPublishDropsWhenFull(t *testing.T) {
	svc := NewService(1)
	assert.True(t, svc.SendLog("x", "one"))
	assert.False(t, svc.SendLog("x", "two"))
}

func TestBroadcastLogger(t *testing.T) {
	svc := NewService(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)
	c := svc.Subscribe()

	logger := zap.New(NewBroadcastLoggerAdapter(svc, "process_chapter", zapcore.InfoLevel)).With(zap.Int("chapter", 3))
	logger.Debug("hidden")
	logger.Warn("缓存条目损坏", zap.String("cache_key", "ch03_sc01_s001_abcd1234"))

	ev := receive(t, c)
	assert.Equal(t, types.EventError, ev.Type)
	assert.True(t, strings.Contains(ev.Message, "缓存条目损坏"))
	assert.Contains(t, ev.Message, `"chapter": 3`)
	assert.Contains(t, ev.Message, "ch03_sc01_s001_abcd1234")
}

func TestNewLoggerWithoutService(t *testing.T) {
	logger := NewLogger(nil, "cli", zapcore.InfoLevel)
	require.NotNil(t, logger)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}
