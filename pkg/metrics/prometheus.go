// Package metrics exposes Prometheus metrics for turns, workflow nodes, tool
// calls, checkpoint operations and model requests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"patchpilot/pkg/proto"
)

const namespace = "patchpilot"

// PrometheusRecorder implements the model-call Recorder of the metrics
// middleware and the workflow engine's Observer on one registry.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	turnsTotal      *prometheus.CounterVec
	turnDuration    *prometheus.HistogramVec
	nodeDuration    *prometheus.HistogramVec
	toolCallsTotal  *prometheus.CounterVec
	checkpointTotal *prometheus.CounterVec

	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	throttleTotal   *prometheus.CounterVec
	queueWaitTime   *prometheus.HistogramVec
}

// NewPrometheusRecorder registers every metric on a fresh registry, together
// with the Go runtime and process collectors.
func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		registry: reg,
		turnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Turns processed by conversation mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		turnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_seconds",
				Help:      "Wall time of a turn",
				Buckets:   []float64{1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"mode"},
		),
		nodeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Wall time of one workflow node",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"node"},
		),
		toolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Tool calls by tool and whether the tool reported success",
			},
			[]string{"tool", "success"},
		),
		checkpointTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkpoints_total",
				Help:      "Checkpoint operations (activate, commit, record, restore, accept, reject) by outcome",
			},
			[]string{"op", "outcome"},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_requests_total",
				Help:      "Total number of LLM requests by model, operation and status",
			},
			[]string{"model", "operation", "status", "error_type"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_tokens_total",
				Help:      "Total number of tokens used in LLM requests",
			},
			[]string{"model", "operation", "type"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "llm_request_duration_seconds",
				Help:      "Duration of LLM requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"model", "operation"},
		),
		throttleTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_throttle_total",
				Help:      "Total number of LLM throttling events",
			},
			[]string{"model", "reason"},
		),
		queueWaitTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "llm_queue_wait_duration_seconds",
				Help:      "Time spent waiting for rate limit availability",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"model"},
		),
	}
}

// Registry returns the registry the metrics live on.
func (p *PrometheusRecorder) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// ObserveRequest records metrics for a completed LLM request.
func (p *PrometheusRecorder) ObserveRequest(model, operation string, promptTokens, completionTokens int, success bool, errorType string, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	p.requestsTotal.WithLabelValues(model, operation, status, errorType).Inc()

	// tokens only count for answered requests
	if success {
		p.tokensTotal.WithLabelValues(model, operation, "prompt").Add(float64(promptTokens))
		p.tokensTotal.WithLabelValues(model, operation, "completion").Add(float64(completionTokens))
	}
	p.requestDuration.WithLabelValues(model, operation).Observe(duration.Seconds())
}

// IncThrottle increments the throttle counter for rate limiting events.
func (p *PrometheusRecorder) IncThrottle(model, reason string) {
	p.throttleTotal.WithLabelValues(model, reason).Inc()
}

// ObserveQueueWait records time spent waiting for rate limit availability.
func (p *PrometheusRecorder) ObserveQueueWait(model string, duration time.Duration) {
	p.queueWaitTime.WithLabelValues(model).Observe(duration.Seconds())
}

// TurnFinished counts a turn. Turns that failed before classification are
// labelled mode="none".
func (p *PrometheusRecorder) TurnFinished(mode proto.Mode, outcome string, elapsed time.Duration) {
	label := string(mode)
	if label == "" {
		label = "none"
	}
	p.turnsTotal.WithLabelValues(label, outcome).Inc()
	p.turnDuration.WithLabelValues(label).Observe(elapsed.Seconds())
}

func (p *PrometheusRecorder) NodeFinished(node string, elapsed time.Duration) {
	p.nodeDuration.WithLabelValues(node).Observe(elapsed.Seconds())
}

func (p *PrometheusRecorder) ToolFinished(tool string, success bool) {
	p.toolCallsTotal.WithLabelValues(tool, strconv.FormatBool(success)).Inc()
}

func (p *PrometheusRecorder) CheckpointOp(op string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	p.checkpointTotal.WithLabelValues(op, outcome).Inc()
}
