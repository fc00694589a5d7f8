package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the process-wide metric families on a private prometheus
// registry, keeping tests independent of each other and of the default
// global registry.
type Registry struct {
	reg *prometheus.Registry

	ArticlesIngested *prometheus.CounterVec
	StageTotal       *prometheus.CounterVec
	StageLatency     *prometheus.HistogramVec
	LLMCalls         *prometheus.CounterVec
	LLMCostUSD       *prometheus.CounterVec
	FetchTotal       *prometheus.CounterVec
	ProviderRequests *prometheus.CounterVec
	CacheOps         *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	HTTPLatency      *prometheus.HistogramVec
	HTTPThrottled    prometheus.Counter
	TasksQueued      prometheus.Gauge
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		ArticlesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newspipe_articles_ingested_total",
			Help: "Articles accepted into the pipeline",
		}, []string{"source"}),
		StageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newspipe_pipeline_stage_total",
			Help: "Pipeline stage executions by outcome",
		}, []string{"stage", "outcome"}),
		StageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "newspipe_pipeline_stage_latency_ms",
			Help:    "Pipeline stage latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"stage"}),
		LLMCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newspipe_llm_calls_total",
			Help: "LLM calls by purpose and result",
		}, []string{"purpose", "provider", "status"}),
		LLMCostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newspipe_llm_cost_usd_total",
			Help: "Accumulated LLM spend in USD",
		}, []string{"purpose", "model"}),
		FetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newspipe_fetch_total",
			Help: "Content fetch attempts by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newspipe_provider_requests_total",
			Help: "Market data provider calls by operation and result",
		}, []string{"provider", "op", "status"}),
		CacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newspipe_cache_ops_total",
			Help: "Cache reads and writes by outcome",
		}, []string{"op"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newspipe_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"route", "method", "code"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "newspipe_http_request_latency_ms",
			Help:    "HTTP request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"route"}),
		HTTPThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newspipe_http_throttled_total",
			Help: "HTTP requests rejected by the rate limiter",
		}),
		TasksQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "newspipe_pipeline_tasks_queued",
			Help: "Tasks currently waiting in the pipeline queue",
		}),
	}
	reg.MustRegister(
		m.ArticlesIngested, m.StageTotal, m.StageLatency,
		m.LLMCalls, m.LLMCostUSD,
		m.FetchTotal, m.ProviderRequests, m.CacheOps,
		m.HTTPRequests, m.HTTPLatency, m.HTTPThrottled, m.TasksQueued,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
