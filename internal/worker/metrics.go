package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records stage run durations. A nil *Metrics records nothing.
type Metrics struct {
	stageDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers pipeline metrics with reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Stage run duration by stage and outcome",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage", "outcome"}),
	}
	if err := reg.Register(m.stageDuration); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) observe(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}
