package bus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for bus traffic. A nil *Metrics records nothing.
type Metrics struct {
	messages      *prometheus.CounterVec // Deliveries by message kind and outcome
	publishErrors *prometheus.CounterVec // Failed publishes by exchange
	lifecycle     *prometheus.CounterVec // Broker lifecycle events
}

// NewMetrics creates and registers bus metrics with reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Subsystem: "bus",
			Name:      "messages_total",
			Help:      "Deliveries handled, by message kind and ack outcome",
		}, []string{"kind", "outcome"}),

		publishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Subsystem: "bus",
			Name:      "publish_errors_total",
			Help:      "Publishes that failed, by exchange",
		}, []string{"exchange"}),

		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Subsystem: "bus",
			Name:      "lifecycle_events_total",
			Help:      "Broker connection lifecycle events",
		}, []string{"event"}),
	}

	for _, c := range []prometheus.Collector{m.messages, m.publishErrors, m.lifecycle} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) delivered(kind, outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) publishFailed(exchange string) {
	if m == nil {
		return
	}
	if exchange == DefaultExchange {
		exchange = "default"
	}
	m.publishErrors.WithLabelValues(exchange).Inc()
}

func (m *Metrics) event(e EventType) {
	if m == nil {
		return
	}
	m.lifecycle.WithLabelValues(string(e)).Inc()
}
