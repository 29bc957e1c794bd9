package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// Built on Prometheus, the metrics track:
//   - Processing job outcomes by terminal status
//   - Chunk completions and failures
//   - LLM request performance, token usage, and cost
//   - Stitch pass decisions (remote vs local join)
//   - Active chunk workers and open SSE streams
//   - HTTP API request latencies
type Metrics struct {
	// JobCounter counts processing jobs by terminal status.
	// Labels: status (completed|failed|cancelled)
	JobCounter *prometheus.CounterVec

	// ChunkCounter counts chunk outcomes.
	// Labels: status (completed|failed|cancelled)
	ChunkCounter *prometheus.CounterVec

	// ActiveWorkers is a gauge of chunk workers currently in flight.
	ActiveWorkers prometheus.Gauge

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: model, purpose (chunk|stitch)
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: model, purpose, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// LLMCost tracks accumulated spend in USD.
	// Labels: model
	LLMCost *prometheus.CounterVec

	// StitchCounter counts stitch pass decisions.
	// Labels: mode (remote|local)
	StitchCounter *prometheus.CounterVec

	// ActiveStreams is a gauge of open progress streams.
	ActiveStreams prometheus.Gauge

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the default Prometheus
// registry. Call once at startup.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers all metrics with the given registerer.
// Tests use this with an isolated registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		JobCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bigcontext_jobs_total",
				Help: "Total number of processing jobs by terminal status",
			},
			[]string{"status"},
		),

		ChunkCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bigcontext_chunks_total",
				Help: "Total number of chunk outcomes by status",
			},
			[]string{"status"},
		),

		ActiveWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bigcontext_active_workers",
				Help: "Current number of chunk workers in flight",
			},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bigcontext_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"model", "purpose"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bigcontext_llm_requests_total",
				Help: "Total number of LLM requests by model, purpose, and status",
			},
			[]string{"model", "purpose", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bigcontext_llm_tokens_total",
				Help: "Total number of tokens used by model and type",
			},
			[]string{"model", "type"},
		),

		LLMCost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bigcontext_llm_cost_usd_total",
				Help: "Accumulated LLM spend in USD by model",
			},
			[]string{"model"},
		),

		StitchCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bigcontext_stitch_total",
				Help: "Total number of stitch passes by mode",
			},
			[]string{"mode"},
		),

		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bigcontext_active_streams",
				Help: "Current number of open progress streams",
			},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bigcontext_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bigcontext_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// JobFinished increments the job counter for a terminal status.
func (m *Metrics) JobFinished(status string) {
	m.JobCounter.WithLabelValues(status).Inc()
}

// ChunkFinished increments the chunk counter for a terminal status.
func (m *Metrics) ChunkFinished(status string) {
	m.ChunkCounter.WithLabelValues(status).Inc()
}

// WorkerStarted increments the active worker gauge.
func (m *Metrics) WorkerStarted() {
	m.ActiveWorkers.Inc()
}

// WorkerFinished decrements the active worker gauge.
func (m *Metrics) WorkerFinished() {
	m.ActiveWorkers.Dec()
}

// RecordLLMRequest records metrics for one LLM API call.
func (m *Metrics) RecordLLMRequest(model, purpose, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(model, purpose, status).Inc()
	m.LLMRequestDuration.WithLabelValues(model, purpose).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

// RecordLLMCost adds spend in USD for a model.
func (m *Metrics) RecordLLMCost(model string, usd float64) {
	if usd > 0 {
		m.LLMCost.WithLabelValues(model).Add(usd)
	}
}

// RecordStitch counts one stitch pass decision.
func (m *Metrics) RecordStitch(mode string) {
	m.StitchCounter.WithLabelValues(mode).Inc()
}

// StreamOpened increments the open streams gauge.
func (m *Metrics) StreamOpened() {
	m.ActiveStreams.Inc()
}

// StreamClosed decrements the open streams gauge.
func (m *Metrics) StreamClosed() {
	m.ActiveStreams.Dec()
}

// RecordHTTPRequest records metrics for one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
