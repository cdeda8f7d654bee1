// Package metrics exposes Prometheus collectors for chat executions. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	executions   *prometheus.CounterVec
	stepsPerRun  prometheus.Histogram
	steps        *prometheus.CounterVec
	retries      *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_executions_total",
			Help: "Agent executions by terminal state.",
		}, []string{"state"}),
		stepsPerRun: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_execution_steps",
			Help:    "Steps taken per agent execution.",
			Buckets: prometheus.LinearBuckets(0, 1, 11),
		}),
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_steps_total",
			Help: "Completed agent steps by decision.",
		}, []string{"decision"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_upstream_retries_total",
			Help: "Retries of transient model or tool failures.",
		}, []string{"call"}),
		toolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_tool_call_duration_seconds",
			Help:    "Tool call latency including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool", "outcome"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) ObserveExecution(state string, steps int) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(state).Inc()
	m.stepsPerRun.Observe(float64(steps))
}

func (m *Metrics) ObserveStep(decision string) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(decision).Inc()
}

func (m *Metrics) ObserveRetry(call string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(call).Inc()
}

func (m *Metrics) ObserveTool(name string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.toolDuration.WithLabelValues(name, outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
