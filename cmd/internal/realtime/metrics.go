package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the push channel collectors. A nil *Metrics records nothing.
type Metrics struct {
	connections prometheus.Gauge
	pushes      *prometheus.CounterVec
}

// NewMetrics registers the realtime collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devicecap",
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Live session push connections.",
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicecap",
			Subsystem: "realtime",
			Name:      "revocations_pushed_total",
			Help:      "session_revoked envelopes offered to connected devices.",
		}, []string{"result"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.connections, m.pushes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) connected(delta float64) {
	if m == nil {
		return
	}
	m.connections.Add(delta)
}

func (m *Metrics) pushed(result string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(result).Inc()
}
