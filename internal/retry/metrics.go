package retry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the retry collectors. A nil *Metrics records nothing.
type Metrics struct {
	attemptsTotal   *prometheus.CounterVec
	outcomesTotal   *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	backoffDuration *prometheus.HistogramVec
}

// NewMetrics registers the retry collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		attemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lambdatrace",
				Name:      "retry_attempts_total",
				Help:      "Total number of attempts, the first one included",
			},
			[]string{"operation", "attempt"},
		),
		outcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lambdatrace",
				Name:      "retry_outcomes_total",
				Help:      "Total number of retried operations by final result",
			},
			[]string{"operation", "result"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "lambdatrace",
				Name:      "retry_duration_seconds",
				Help:      "Total duration of retried operations in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"operation", "result"},
		),
		backoffDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "lambdatrace",
				Name:      "retry_backoff_duration_seconds",
				Help:      "Duration of backoff waits in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation"},
		),
	}
}

func (m *Metrics) recordAttempt(operation string, attempt int) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(operation, strconv.Itoa(attempt)).Inc()
}

func (m *Metrics) recordBackoff(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.backoffDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) recordOutcome(operation string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.outcomesTotal.WithLabelValues(operation, result).Inc()
	m.duration.WithLabelValues(operation, result).Observe(d.Seconds())
}
