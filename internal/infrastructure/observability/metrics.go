package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all application metrics
type Metrics struct {
	// Payment metrics
	PaymentsInitiated       *prometheus.CounterVec
	CallbacksReceived       *prometheus.CounterVec
	Reconciliations         *prometheus.CounterVec
	AccountEffectFailures   prometheus.Counter
	ProviderRequestDuration *prometheus.HistogramVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec

	// Worker metrics
	WorkerMessagesProcessed  *prometheus.CounterVec
	WorkerProcessingDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		PaymentsInitiated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payments_initiated_total",
				Help:      "STK push initiations by plan and result",
			},
			[]string{"plan", "result"},
		),
		CallbacksReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mpesa_callbacks_total",
				Help:      "Provider callbacks received by outcome",
			},
			[]string{"outcome"},
		),
		Reconciliations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliations_total",
				Help:      "Callback resolutions by result (applied, duplicate, conflict, unknown, effect_failed)",
			},
			[]string{"result"},
		),
		AccountEffectFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "account_effect_failures_total",
				Help:      "Subscription updates that failed after a payment completed",
			},
		),
		ProviderRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_request_duration_seconds",
				Help:      "Outbound payment provider call duration in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"operation", "status"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		WorkerMessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_messages_processed_total",
				Help:      "Total number of worker messages processed",
			},
			[]string{"stream", "status"},
		),
		WorkerProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "worker_processing_duration_seconds",
				Help:      "Worker message processing duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"stream"},
		),
	}

	reg.MustRegister(
		m.PaymentsInitiated,
		m.CallbacksReceived,
		m.Reconciliations,
		m.AccountEffectFailures,
		m.ProviderRequestDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CircuitBreakerState,
		m.WorkerMessagesProcessed,
		m.WorkerProcessingDuration,
	)

	return m
}

// The helpers below tolerate a nil receiver so components can run without metrics in tests.

func (m *Metrics) RecordInitiation(plan, result string) {
	if m == nil {
		return
	}
	m.PaymentsInitiated.WithLabelValues(plan, result).Inc()
}

func (m *Metrics) RecordCallback(outcome string) {
	if m == nil {
		return
	}
	m.CallbacksReceived.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordReconciliation(result string) {
	if m == nil {
		return
	}
	m.Reconciliations.WithLabelValues(result).Inc()
	if result == "effect_failed" {
		m.AccountEffectFailures.Inc()
	}
}

func (m *Metrics) ObserveProvider(operation, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ProviderRequestDuration.WithLabelValues(operation, status).Observe(seconds)
}

func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

// RecordSettlement counts background subscription settlements by status.
func (m *Metrics) RecordSettlement(status string) {
	if m == nil {
		return
	}
	m.WorkerMessagesProcessed.WithLabelValues("settlement", status).Inc()
}
