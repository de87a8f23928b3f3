package encoding

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for encode operations.
type Metrics struct {
	encodeTotal      *prometheus.CounterVec
	stringifiedTotal *prometheus.CounterVec
	spansTotal       *prometheus.CounterVec
}

// NewMetrics registers the encoding metrics on reg. A nil registerer
// yields metrics that are not exported anywhere.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		encodeTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lambdatrace",
				Subsystem: "encoding",
				Name:      "encode_total",
				Help:      "Total number of encode operations",
			},
			[]string{"variant", "result"},
		),
		stringifiedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lambdatrace",
				Subsystem: "encoding",
				Name:      "stringified_total",
				Help:      "Total number of trees re-encoded after stringifying unsupported attributes",
			},
			[]string{"variant"},
		),
		spansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lambdatrace",
				Subsystem: "encoding",
				Name:      "spans_total",
				Help:      "Total number of spans encoded",
			},
			[]string{"variant"},
		),
	}
}

// RecordEncode records an encode operation.
func (m *Metrics) RecordEncode(v Variant, result string, spans int) {
	if m == nil {
		return
	}
	m.encodeTotal.WithLabelValues(string(v), result).Inc()
	if spans > 0 {
		m.spansTotal.WithLabelValues(string(v)).Add(float64(spans))
	}
}

// RecordStringified records a fallback re-encode.
func (m *Metrics) RecordStringified(v Variant) {
	if m == nil {
		return
	}
	m.stringifiedTotal.WithLabelValues(string(v)).Inc()
}
