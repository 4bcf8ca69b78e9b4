package metrics

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const jobName = "novel_visual_pipeline"

// Metrics 流水线指标。所有方法对 nil 接收者安全，未启用指标时可直接传 nil。
type Metrics struct {
	Registry *prometheus.Registry

	cacheLookups     *prometheus.CounterVec
	backendCalls     *prometheus.CounterVec
	tokens           *prometheus.CounterVec
	costUSD          prometheus.Counter
	decisions        *prometheus.CounterVec
	attributeChanges *prometheus.CounterVec
	images           *prometheus.CounterVec
	backendLatency   prometheus.Histogram
}

// New 在独立 registry 上注册全部指标，避免污染全局 DefaultRegistry
func New() *Metrics {
	registry := prometheus.NewRegistry()
	f := promauto.With(registry)
	return &Metrics{
		Registry: registry,
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "storyboard_cache_lookups_total",
			Help: "Storyboard cache lookups, partitioned by outcome (hit, miss, corrupt).",
		}, []string{"outcome"}),
		backendCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "storyboard_backend_calls_total",
			Help: "Text-understanding backend calls, partitioned by outcome (ok, transport_failure, parse_failure).",
		}, []string{"outcome"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "storyboard_tokens_total",
			Help: "Tokens consumed by storyboard analysis.",
		}, []string{"direction"}),
		costUSD: f.NewCounter(prometheus.CounterOpts{
			Name: "storyboard_estimated_cost_usd_total",
			Help: "Estimated storyboard analysis cost in US dollars.",
		}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "visual_change_decisions_total",
			Help: "Image reuse/generate decisions, partitioned by detector mode and outcome.",
		}, []string{"mode", "outcome"}),
		attributeChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "character_attribute_changes_total",
			Help: "Proposed attribute changes, partitioned by outcome (applied, low_confidence, rejected).",
		}, []string{"outcome"}),
		images: f.NewCounterVec(prometheus.CounterOpts{
			Name: "image_generations_total",
			Help: "Image generations, partitioned by outcome (ok, oom_retry, failed).",
		}, []string{"outcome"}),
		backendLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "storyboard_backend_latency_seconds",
			Help:    "Latency of text-understanding backend calls.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) CacheLookup(outcome string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) BackendCall(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.backendCalls.WithLabelValues(outcome).Inc()
	m.backendLatency.Observe(seconds)
}

func (m *Metrics) Tokens(input, output int, cost float64) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues("input").Add(float64(input))
	m.tokens.WithLabelValues("output").Add(float64(output))
	m.costUSD.Add(cost)
}

func (m *Metrics) Decision(mode string, generate bool) {
	if m == nil {
		return
	}
	outcome := "reuse"
	if generate {
		outcome = "generate"
	}
	m.decisions.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) AttributeChange(outcome string) {
	if m == nil {
		return
	}
	m.attributeChanges.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Image(outcome string) {
	if m == nil {
		return
	}
	m.images.WithLabelValues(outcome).Inc()
}

// Push 将当前指标推送到 Pushgateway，适用于命令行一次性运行
func (m *Metrics) Push(pushgatewayURL string) error {
	if m == nil || pushgatewayURL == "" {
		return nil
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	instance := fmt.Sprintf("%s-%d", hostname, os.Getpid())
	if err := push.New(pushgatewayURL, jobName).Gatherer(m.Registry).Grouping("instance", instance).Push(); err != nil {
		return fmt.Errorf("推送指标失败: %w", err)
	}
	return nil
}
