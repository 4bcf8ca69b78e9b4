package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.CacheLookup("hit")
	m.BackendCall("ok", 0.1)
	m.Tokens(1, 2, 0.5)
	m.Decision("keyword", true)
	m.AttributeChange("applied")
	m.Image("ok")
	assert.NoError(t, m.Push("http://localhost:9091"))
}

func TestCounters(t *testing.T) {
	m := New()
	m.CacheLookup("hit")
	m.CacheLookup("hit")
	m.CacheLookup("miss")
	m.Decision("storyboard", false)
	m.Tokens(100, 20, 0.001)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues("storyboard", "reuse")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.tokens.WithLabelValues("input")))
	assert.NoError(t, m.Push(""))
}
