package exporter

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

// Payload results.
const (
	resultSent      = "sent"
	resultFailed    = "failed"
	resultAbandoned = "abandoned"
	resultRejected  = "rejected"
)

// Metrics contains Prometheus metrics for trace delivery.
type Metrics struct {
	payloadsTotal  *prometheus.CounterVec
	spansTotal     *prometheus.CounterVec
	sendDuration   *prometheus.HistogramVec
	partialFlushes prometheus.Counter
	breakerState   *prometheus.GaugeVec
	breakerChanges *prometheus.CounterVec
	payloadBytes   *prometheus.HistogramVec
}

// NewMetrics registers the exporter metrics on reg. A nil registerer
// yields metrics that are not exported anywhere.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		payloadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lambdatrace",
				Subsystem: "exporter",
				Name:      "payloads_total",
				Help:      "Total number of payloads by delivery result",
			},
			[]string{"transport", "result"},
		),
		spansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lambdatrace",
				Subsystem: "exporter",
				Name:      "spans_total",
				Help:      "Total number of spans by delivery result",
			},
			[]string{"transport", "result"},
		),
		sendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "lambdatrace",
				Subsystem: "exporter",
				Name:      "send_duration_seconds",
				Help:      "Duration of a send, retries included, in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"transport", "result"},
		),
		partialFlushes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "lambdatrace",
				Subsystem: "exporter",
				Name:      "partial_flushes_total",
				Help:      "Total number of flushes that abandoned pending sends",
			},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "lambdatrace",
				Subsystem: "exporter",
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		breakerChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lambdatrace",
				Subsystem: "exporter",
				Name:      "circuit_breaker_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"name", "from", "to"},
		),
		payloadBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "lambdatrace",
				Subsystem: "exporter",
				Name:      "payload_bytes",
				Help:      "Size of dispatched payload bodies in bytes",
				Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
			},
			[]string{"transport"},
		),
	}
}

func (m *Metrics) recordSend(transport, result string, spans int, d time.Duration) {
	if m == nil {
		return
	}
	m.payloadsTotal.WithLabelValues(transport, result).Inc()
	if spans > 0 {
		m.spansTotal.WithLabelValues(transport, result).Add(float64(spans))
	}
	if d > 0 {
		m.sendDuration.WithLabelValues(transport, result).Observe(d.Seconds())
	}
}

func (m *Metrics) recordPayload(transport string, size int) {
	if m == nil {
		return
	}
	m.payloadBytes.WithLabelValues(transport).Observe(float64(size))
}

func (m *Metrics) recordPartialFlush() {
	if m == nil {
		return
	}
	m.partialFlushes.Inc()
}

func (m *Metrics) recordBreaker(name string, from, to gobreaker.State) {
	if m == nil {
		return
	}
	m.breakerChanges.WithLabelValues(name, from.String(), to.String()).Inc()
	m.breakerState.WithLabelValues(name).Set(float64(breakerStateValue(to)))
}

func breakerStateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
