package flowrelay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the relay and its stages.
type Metrics struct {
	EventsRelayed *prometheus.CounterVec
	RelayErrors   *prometheus.CounterVec
	CycleDuration *prometheus.HistogramVec
	LockWait      *prometheus.HistogramVec
	StageFailures *prometheus.CounterVec
	Quarantined   *prometheus.CounterVec
	Filtered      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		EventsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowrelay",
			Name:      "relay_events_total",
			Help:      "Outbox events deleted and published to the bus.",
		}, []string{"component", "event_type"}),
		RelayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowrelay",
			Name:      "relay_errors_total",
			Help:      "Relay cycles or events that failed and were left for the next cycle.",
		}, []string{"component", "event_type"}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowrelay",
			Name:      "relay_cycle_seconds",
			Help:      "Duration of relay cycles that held the lock.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"component", "event_type"}),
		LockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowrelay",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the relay lock.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"component", "event_type"}),
		StageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowrelay",
			Name:      "stage_failures_total",
			Help:      "Failed stage attempts.",
		}, []string{"component", "stage"}),
		Quarantined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowrelay",
			Name:      "quarantined_total",
			Help:      "Hops quarantined after exhausting their attempts.",
		}, []string{"component", "stage"}),
		Filtered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowrelay",
			Name:      "filtered_total",
			Help:      "Steps terminated by a filter policy.",
		}, []string{"component", "policy"}),
	}

	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to register metrics", err)
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.EventsRelayed, m.RelayErrors, m.CycleDuration, m.LockWait,
		m.StageFailures, m.Quarantined, m.Filtered,
	}
}

// The observe helpers tolerate a nil receiver so metrics stay optional.

func (m *Metrics) relayed(component, eventType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.EventsRelayed.WithLabelValues(component, eventType).Add(float64(n))
}

func (m *Metrics) relayError(component, eventType string) {
	if m == nil {
		return
	}
	m.RelayErrors.WithLabelValues(component, eventType).Inc()
}

func (m *Metrics) cycle(component, eventType string, d time.Duration) {
	if m == nil {
		return
	}
	m.CycleDuration.WithLabelValues(component, eventType).Observe(d.Seconds())
}

func (m *Metrics) lockWait(component, eventType string, d time.Duration) {
	if m == nil {
		return
	}
	m.LockWait.WithLabelValues(component, eventType).Observe(d.Seconds())
}

func (m *Metrics) stageFailure(component, stage string) {
	if m == nil {
		return
	}
	m.StageFailures.WithLabelValues(component, stage).Inc()
}

func (m *Metrics) quarantined(component, stage string) {
	if m == nil {
		return
	}
	m.Quarantined.WithLabelValues(component, stage).Inc()
}

func (m *Metrics) filtered(component, policy string) {
	if m == nil {
		return
	}
	m.Filtered.WithLabelValues(component, policy).Inc()
}
