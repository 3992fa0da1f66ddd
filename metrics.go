package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts engine activity. A nil *Metrics records nothing.
type Metrics struct {
	pushEvents  *prometheus.CounterVec
	sends       *prometheus.CounterVec
	pageFetches *prometheus.CounterVec
	evictions   *prometheus.CounterVec
}

// NewMetrics creates the engine collectors and registers them with reg.
// Engines sharing a registry should share one *Metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pushEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_push_events_total",
				Help: "Push feed row changes by kind and how the engine handled them.",
			},
			[]string{"kind", "outcome"},
		),
		sends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_sends_total",
				Help: "Optimistic sends by final outcome.",
			},
			[]string{"outcome"},
		),
		pageFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_page_fetches_total",
				Help: "Page fetches by page kind and outcome.",
			},
			[]string{"page", "outcome"},
		),
		evictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_evictions_total",
				Help: "Messages removed from the visible list by reason.",
			},
			[]string{"reason"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.pushEvents, m.sends, m.pageFetches, m.evictions)
	}
	return m
}

func (m *Metrics) push(kind ChangeKind, outcome string) {
	if m == nil {
		return
	}
	m.pushEvents.WithLabelValues(string(kind), outcome).Inc()
}

func (m *Metrics) send(outcome string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) fetch(page, outcome string) {
	if m == nil {
		return
	}
	m.pageFetches.WithLabelValues(page, outcome).Inc()
}

func (m *Metrics) evict(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.evictions.WithLabelValues(reason).Add(float64(n))
}
