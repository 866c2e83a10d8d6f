// Package metrics holds the Prometheus collectors the server exports on
// /metrics.
//
// Collectors are registered on a caller-supplied registry rather than the
// global default, so every test can build its own set without
// "duplicate metrics collector registration" panics.
//
// All methods are safe to call on a nil *Metrics; components built
// without metrics just skip the bookkeeping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	messagesSent         prometheus.Counter
	subscriptions        prometheus.Gauge
	droppedSubscriptions prometheus.Counter
	online               prometheus.Gauge
	relationshipChanges  *prometheus.CounterVec
}

// New creates the collectors and registers them, plus the standard Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buddychat",
			Name:      "messages_sent_total",
			Help:      "Messages committed to a conversation.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "buddychat",
			Name:      "fanout_subscriptions",
			Help:      "Open realtime subscriptions.",
		}),
		droppedSubscriptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buddychat",
			Name:      "fanout_dropped_total",
			Help:      "Subscriptions closed because the consumer fell behind.",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "buddychat",
			Name:      "presence_online",
			Help:      "Users currently online.",
		}),
		relationshipChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buddychat",
			Name:      "relationship_transitions_total",
			Help:      "Relationship state transitions by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messagesSent,
		m.subscriptions,
		m.droppedSubscriptions,
		m.online,
		m.relationshipChanges,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

func (m *Metrics) SubscriptionOpened() {
	if m == nil {
		return
	}
	m.subscriptions.Inc()
}

func (m *Metrics) SubscriptionClosed() {
	if m == nil {
		return
	}
	m.subscriptions.Dec()
}

func (m *Metrics) SubscriptionDropped() {
	if m == nil {
		return
	}
	m.droppedSubscriptions.Inc()
}

// SetOnline records the number of users currently online.
func (m *Metrics) SetOnline(n int) {
	if m == nil {
		return
	}
	m.online.Set(float64(n))
}

// RelationshipTransition counts one transition; kind is e.g. "requested",
// "accepted", "rejected", "blocked", "unblocked".
func (m *Metrics) RelationshipTransition(kind string) {
	if m == nil {
		return
	}
	m.relationshipChanges.WithLabelValues(kind).Inc()
}
