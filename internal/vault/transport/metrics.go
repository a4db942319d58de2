package transport

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

// Metrics holds transport collectors. A nil *Metrics records nothing.
type Metrics struct {
	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
	breakerGauge    prometheus.Gauge
}

// NewMetrics registers transport collectors on reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "vault_request_duration_seconds",
				Help:      "Duration of Vault requests in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method"},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vault_requests_total",
				Help:      "Total number of Vault requests by outcome",
			},
			[]string{"method", "outcome"},
		),
		breakerGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "vault_circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
		),
	}
}

func (m *Metrics) observeRequest(method string, kind Kind, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, kind.String()).Inc()
	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) breakerState(state gobreaker.State) {
	if m == nil {
		return
	}
	switch state {
	case gobreaker.StateClosed:
		m.breakerGauge.Set(0)
	case gobreaker.StateHalfOpen:
		m.breakerGauge.Set(1)
	case gobreaker.StateOpen:
		m.breakerGauge.Set(2)
	}
}
