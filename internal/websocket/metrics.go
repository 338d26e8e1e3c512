package websocket

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks live sessions on this instance
type Metrics struct {
	sessions    prometheus.Gauge
	connections prometheus.Gauge
}

// NewMetrics creates and registers registry gauges with reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pipeline",
			Name:      "sessions_active",
			Help:      "Users with at least one live connection on this instance",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pipeline",
			Name:      "live_connections",
			Help:      "Live connections on this instance",
		}),
	}
	for _, c := range []prometheus.Collector{m.sessions, m.connections} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) set(sessions, connections int) {
	m.sessions.Set(float64(sessions))
	m.connections.Set(float64(connections))
}
