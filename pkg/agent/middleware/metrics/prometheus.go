// Package metrics provides Prometheus-based metrics recording for LLM operations.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	costsTotal      *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

var (
	// Singleton instance and initialization synchronization.
	prometheusInstance *PrometheusRecorder //nolint:gochecknoglobals
	prometheusOnce     sync.Once           //nolint:gochecknoglobals
)

// NewPrometheusRecorder returns a singleton Prometheus-based metrics recorder.
// The instruments register on the default registry exactly once.
func NewPrometheusRecorder() *PrometheusRecorder {
	prometheusOnce.Do(func() {
		prometheusInstance = newPrometheusRecorder()
	})
	return prometheusInstance
}

func newPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Total number of LLM requests by model, session, phase, and status",
			},
			[]string{"model", "session_id", "phase", "status", "error_type"},
		),
		tokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_tokens_total",
				Help: "Total number of tokens used in LLM requests",
			},
			[]string{"model", "session_id", "phase", "type"},
		),
		costsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_costs_total",
				Help: "Total cost in USD for LLM requests",
			},
			[]string{"model", "session_id", "phase"},
		),
		requestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model", "session_id", "phase"},
		),
	}
}

// ObserveRequest records metrics for a completed LLM request.
func (p *PrometheusRecorder) ObserveRequest(
	model, sessionID, phase string,
	promptTokens, completionTokens int,
	cost float64,
	success bool,
	errorType string,
	duration time.Duration,
) {
	// Determine status label
	status := "success"
	if !success {
		status = "error"
	}

	// Record request count
	p.requestsTotal.WithLabelValues(model, sessionID, phase, status, errorType).Inc()

	// Record tokens and costs (only on success)
	if success {
		p.tokensTotal.WithLabelValues(model, sessionID, phase, "prompt").Add(float64(promptTokens))
		p.tokensTotal.WithLabelValues(model, sessionID, phase, "completion").Add(float64(completionTokens))
		p.costsTotal.WithLabelValues(model, sessionID, phase).Add(cost)
	}

	// Record request duration
	p.requestDuration.WithLabelValues(model, sessionID, phase).Observe(duration.Seconds())
}
