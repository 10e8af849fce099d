package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the admission protocol.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	logins      *prometheus.CounterVec
	endings     *prometheus.CounterVec
	heartbeats  *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicecap",
			Subsystem: "session",
			Name:      "logins_total",
			Help:      "Login attempts by outcome.",
		}, []string{"outcome"}),
		endings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicecap",
			Subsystem: "session",
			Name:      "ended_total",
			Help:      "Sessions moved out of the active state, by reason.",
		}, []string{"reason"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicecap",
			Subsystem: "session",
			Name:      "heartbeats_total",
			Help:      "Heartbeats by result.",
		}, []string{"result"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicecap",
			Subsystem: "session",
			Name:      "store_errors_total",
			Help:      "Operations that failed with the store unavailable.",
		}, []string{"op"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devicecap",
			Subsystem: "session",
			Name:      "operation_duration_seconds",
			Help:      "Latency of session operations including lock wait.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.logins, m.endings, m.heartbeats, m.storeErrors, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) login(o Outcome) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(o.String()).Inc()
}

func (m *Metrics) ended(reason EndReason, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.endings.WithLabelValues(string(reason)).Add(float64(n))
}

func (m *Metrics) heartbeat(o HeartbeatOutcome) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(o.String()).Inc()
}

func (m *Metrics) storeError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) observe(op string, start time.Time) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
