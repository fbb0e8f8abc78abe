package events

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is a Sink that exports lease events to Prometheus.
type Metrics struct {
	EventsTotal    *prometheus.CounterVec // kind=claimed|renew_failed|degraded|recovered|lost|released
	LeasesHeld     prometheus.Gauge
	LeasesDegraded prometheus.Gauge

	mu       sync.Mutex
	degraded map[string]struct{}
	// held maps each store key to the newest lease claimed on it, so a
	// takeover replaces the old holder instead of counting twice.
	held map[string]string
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// registers on prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nameregistry_lease_events_total",
				Help: "Lease lifecycle events by kind",
			},
			[]string{"kind"},
		),
		LeasesHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nameregistry_leases_held",
			Help: "Leases claimed by this process and not yet released",
		}),
		LeasesDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nameregistry_leases_degraded",
			Help: "Leases whose renewals have failed past the threshold",
		}),
		degraded: make(map[string]struct{}),
		held:     make(map[string]string),
	}

	for _, c := range []prometheus.Collector{m.EventsTotal, m.LeasesHeld, m.LeasesDegraded} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Publish(_ context.Context, ev Event) {
	m.EventsTotal.WithLabelValues(string(ev.Kind)).Inc()

	switch ev.Kind {
	case KindClaimed:
		if prev := m.hold(ev.Key, ev.LeaseID); prev != "" {
			m.setDegraded(prev, false)
		}
	case KindReleased:
		m.unhold(ev.Key, ev.LeaseID)
		m.setDegraded(ev.LeaseID, false)
	case KindDegraded:
		m.setDegraded(ev.LeaseID, true)
	case KindRecovered:
		m.setDegraded(ev.LeaseID, false)
	}
}

// hold records leaseID as the holder of key and returns the lease it displaced.
func (m *Metrics) hold(key, leaseID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.held[key]
	m.held[key] = leaseID
	m.LeasesHeld.Set(float64(len(m.held)))
	if prev == leaseID {
		return ""
	}
	return prev
}

func (m *Metrics) unhold(key, leaseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held[key] == leaseID {
		delete(m.held, key)
		m.LeasesHeld.Set(float64(len(m.held)))
	}
}

func (m *Metrics) setDegraded(leaseID string, degraded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, was := m.degraded[leaseID]
	switch {
	case degraded && !was:
		m.degraded[leaseID] = struct{}{}
		m.LeasesDegraded.Inc()
	case !degraded && was:
		delete(m.degraded, leaseID)
		m.LeasesDegraded.Dec()
	}
}
