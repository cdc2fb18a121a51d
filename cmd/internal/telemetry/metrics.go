// Package telemetry exposes Prometheus collectors for the reconciliation engine.
//
// A nil *Metrics is valid and records nothing, so components and tests can run
// without a registry.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatsync"

// Metrics groups every collector the daemon exports.
type Metrics struct {
	eventsRouted      *prometheus.CounterVec
	eventsDropped     prometheus.Counter
	reconnects        prometheus.Counter
	streamConnected   prometheus.Gauge
	staleResults      prometheus.Counter
	cacheLookups      *prometheus.CounterVec
	cacheEvictions    prometheus.Counter
	verifications     *prometheus.CounterVec
	activeGenerations prometheus.Gauge
}

// New builds the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		eventsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "events_total",
			Help:      "Inbound stream events routed, by event type.",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "events_dropped_total",
			Help:      "Inbound lines that failed to decode.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts of the inbound event channel.",
		}),
		streamConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connected",
			Help:      "1 while the inbound event channel is connected.",
		}),
		staleResults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "stale_results_total",
			Help:      "Fetch results discarded because a newer request was issued.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Snapshot cache lookups, by result.",
		}, []string{"result"}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Snapshot cache entries evicted by capacity or idle TTL.",
		}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "verifications_total",
			Help:      "Post-stream verification fetches, by result.",
		}, []string{"result"}),
		activeGenerations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "active_generations",
			Help:      "Generations currently tracked as in progress.",
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.eventsRouted, m.eventsDropped, m.reconnects, m.streamConnected,
		m.staleResults, m.cacheLookups, m.cacheEvictions, m.verifications, m.activeGenerations,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// EventRouted counts one routed event of type typ.
func (m *Metrics) EventRouted(typ string) {
	if m == nil {
		return
	}
	m.eventsRouted.WithLabelValues(typ).Inc()
}

// EventDropped counts one undecodable line.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

// Reconnect counts one reconnect attempt.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// StreamConnected records the connection state of the inbound channel.
func (m *Metrics) StreamConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.streamConnected.Set(1)
		return
	}
	m.streamConnected.Set(0)
}

// StaleResult counts one discarded out-of-order fetch result.
func (m *Metrics) StaleResult() {
	if m == nil {
		return
	}
	m.staleResults.Inc()
}

// CacheLookup counts a cache lookup; hit selects the label.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

// CacheEvicted counts n evictions.
func (m *Metrics) CacheEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheEvictions.Add(float64(n))
}

// Verification counts one verification outcome ("ok", "timeout", "error").
func (m *Metrics) Verification(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
}

// GenerationStarted increments the active generation gauge.
func (m *Metrics) GenerationStarted() {
	if m == nil {
		return
	}
	m.activeGenerations.Inc()
}

// GenerationFinished decrements the active generation gauge.
func (m *Metrics) GenerationFinished() {
	if m == nil {
		return
	}
	m.activeGenerations.Dec()
}
