package platform

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ahimsalabs/platform-go/platform/transport"
)

// Metrics holds the client's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	TransfersStarted    *prometheus.CounterVec
	TransfersFailed     *prometheus.CounterVec
	Events              prometheus.Counter
	Resumes             prometheus.Counter
	Retries             prometheus.Counter
	ActiveSubscriptions prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// Pass nil to skip registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TransfersStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platform",
			Subsystem: "client",
			Name:      "transfers_started_total",
			Help:      "Transfers dispatched to the transport, by kind.",
		}, []string{"kind"}),
		TransfersFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platform",
			Subsystem: "client",
			Name:      "transfers_failed_total",
			Help:      "Transfers that completed with an error, by kind.",
		}, []string{"kind"}),
		Events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "platform",
			Subsystem: "client",
			Name:      "events_received_total",
			Help:      "Subscription events delivered to callers.",
		}),
		Resumes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "platform",
			Subsystem: "client",
			Name:      "subscription_resumes_total",
			Help:      "Resume attempts scheduled by resumable subscriptions.",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "platform",
			Subsystem: "client",
			Name:      "request_retries_total",
			Help:      "Retry attempts scheduled by retryable requests.",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "platform",
			Subsystem: "client",
			Name:      "active_subscriptions",
			Help:      "Subscriptions that have not reached a terminal state.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.TransfersStarted,
			m.TransfersFailed,
			m.Events,
			m.Resumes,
			m.Retries,
			m.ActiveSubscriptions,
		)
	}
	return m
}

func (m *Metrics) transferStarted(kind transport.Kind) {
	if m != nil {
		m.TransfersStarted.WithLabelValues(kind.String()).Inc()
	}
}

func (m *Metrics) transferFailed(kind transport.Kind) {
	if m != nil {
		m.TransfersFailed.WithLabelValues(kind.String()).Inc()
	}
}

func (m *Metrics) eventReceived() {
	if m != nil {
		m.Events.Inc()
	}
}

func (m *Metrics) resumeScheduled() {
	if m != nil {
		m.Resumes.Inc()
	}
}

func (m *Metrics) retryScheduled() {
	if m != nil {
		m.Retries.Inc()
	}
}

func (m *Metrics) subscriptionActive(delta float64) {
	if m != nil {
		m.ActiveSubscriptions.Add(delta)
	}
}
