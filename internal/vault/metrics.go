package vault

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	statusSuccess  = "success"
	statusError    = "error"
	statusNotFound = "not_found"
)

// Metrics holds the cache collectors. All methods are safe on a nil receiver.
type Metrics struct {
	readsTotal      *prometheus.CounterVec
	operationsTotal *prometheus.CounterVec
	loginsTotal     *prometheus.CounterVec
	inFlightTasks   prometheus.Gauge
	cacheEntries    prometheus.Gauge
	evictionsTotal  prometheus.Counter
}

// NewMetrics registers the cache collectors on reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		readsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_reads_total",
				Help:      "Total number of secret reads by lease decision",
			},
			[]string{"decision"},
		),
		operationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_operations_total",
				Help:      "Total number of fetch, renew and refetch operations by status",
			},
			[]string{"operation", "status"},
		),
		loginsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "authentications_total",
				Help:      "Total number of Vault login attempts",
			},
			[]string{"method", "status"},
		),
		inFlightTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_inflight_tasks",
				Help:      "Number of background renew and refetch tasks running",
			},
		),
		cacheEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_entries",
				Help:      "Current number of cached secret paths",
			},
		),
		evictionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_evictions_total",
				Help:      "Total number of entries evicted by the size bound",
			},
		),
	}
}

func (m *Metrics) read(action Action) {
	if m == nil {
		return
	}
	m.readsTotal.WithLabelValues(action.String()).Inc()
}

func (m *Metrics) operation(op string, err error) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(op, statusOf(err)).Inc()
}

// RecordLogin records a login attempt. It matches the authenticator's login hook.
func (m *Metrics) RecordLogin(method string, err error) {
	if m == nil {
		return
	}
	status := statusSuccess
	if err != nil {
		status = statusError
	}
	m.loginsTotal.WithLabelValues(method, status).Inc()
}

func (m *Metrics) taskStarted() {
	if m == nil {
		return
	}
	m.inFlightTasks.Inc()
}

func (m *Metrics) taskFinished() {
	if m == nil {
		return
	}
	m.inFlightTasks.Dec()
}

func (m *Metrics) setEntries(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}

func (m *Metrics) evicted() {
	if m == nil {
		return
	}
	m.evictionsTotal.Inc()
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return statusSuccess
	case isNotFound(err):
		return statusNotFound
	default:
		return statusError
	}
}
