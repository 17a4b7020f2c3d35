// Package metrics exposes Prometheus metrics for calls.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels.
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultSkipped  = "skipped"
	ResultDisabled = "disabled"
)

// Metrics holds all Prometheus metrics for the call server. A nil *Metrics
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	CallsActive   prometheus.Gauge
	CallsTotal    *prometheus.CounterVec
	CallDuration  prometheus.Histogram
	SegmentsTotal prometheus.Counter
	UploadsTotal  *prometheus.CounterVec

	AgentRequestsTotal   *prometheus.CounterVec
	AgentRequestDuration prometheus.Histogram

	BargeInsTotal prometheus.Counter
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "strawgo_call"
	}

	registry := prometheus.NewRegistry()

	callsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "calls_active",
		Help:      "Number of calls in progress",
	})

	callsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total number of finished calls",
		},
		[]string{"reason"},
	)

	callDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "call_duration_seconds",
		Help:      "Call duration in seconds",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
	})

	segmentsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "speech_segments_total",
		Help:      "Total number of sealed speech segments",
	})

	uploadsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_uploads_total",
			Help:      "Segment uploads by result",
		},
		[]string{"result"},
	)

	agentRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_requests_total",
			Help:      "Agent webhook requests by result",
		},
		[]string{"result"},
	)

	agentRequestDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "agent_request_duration_seconds",
		Help:      "Agent webhook latency in seconds",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	bargeInsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "barge_ins_total",
		Help:      "Agent playbacks interrupted by caller speech",
	})

	registry.MustRegister(
		callsActive,
		callsTotal,
		callDuration,
		segmentsTotal,
		uploadsTotal,
		agentRequestsTotal,
		agentRequestDuration,
		bargeInsTotal,
	)

	return &Metrics{
		registry:             registry,
		CallsActive:          callsActive,
		CallsTotal:           callsTotal,
		CallDuration:         callDuration,
		SegmentsTotal:        segmentsTotal,
		UploadsTotal:         uploadsTotal,
		AgentRequestsTotal:   agentRequestsTotal,
		AgentRequestDuration: agentRequestDuration,
		BargeInsTotal:        bargeInsTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordCallStart() {
	if m == nil {
		return
	}
	m.CallsActive.Inc()
}

func (m *Metrics) RecordCallEnd(reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CallsActive.Dec()
	m.CallsTotal.WithLabelValues(reason).Inc()
	m.CallDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordSegment() {
	if m == nil {
		return
	}
	m.SegmentsTotal.Inc()
}

func (m *Metrics) RecordUpload(result string) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordAgentRequest(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.AgentRequestsTotal.WithLabelValues(result).Inc()
	m.AgentRequestDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordBargeIn() {
	if m == nil {
		return
	}
	m.BargeInsTotal.Inc()
}
