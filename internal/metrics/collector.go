// Package metrics provides Prometheus instrumentation for ferrous-socks.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stanxii/ferrous-socks/internal/stats"
)

// Collector translates a stats.Snapshot into Prometheus gauge values.
type Collector struct {
	handshakeFailed  prometheus.Gauge
	handshakeSuccess prometheus.Gauge
	handshakeTimeout prometheus.Gauge
	sessionSuccess   prometheus.Gauge
	sessionTimeout   prometheus.Gauge
	inFlight         prometheus.Gauge
	policyHits       *prometheus.GaugeVec
	mu               sync.Mutex
}

// NewCollector creates and registers metrics on the given registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		handshakeFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ferrous_socks",
			Name:      "handshake_failed_total",
			Help:      "Number of SOCKS5 greetings rejected or unreadable.",
		}),
		handshakeSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ferrous_socks",
			Name:      "handshake_success_total",
			Help:      "Number of SOCKS5 greetings that selected NO AUTH.",
		}),
		handshakeTimeout: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ferrous_socks",
			Name:      "handshake_timeout_total",
			Help:      "Number of greeting phases that never completed.",
		}),
		sessionSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ferrous_socks",
			Name:      "session_success_total",
			Help:      "Number of sessions that relayed to completion cleanly.",
		}),
		sessionTimeout: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ferrous_socks",
			Name:      "session_timeout_total",
			Help:      "Number of sessions dropped by the outer session deadline.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ferrous_socks",
			Name:      "sessions_in_flight",
			Help:      "Number of currently open sessions.",
		}),
		policyHits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ferrous_socks",
			Name:      "policy_rule_hits_total",
			Help:      "Number of times each named policy rule decided a destination.",
		}, []string{"rule"}),
	}

	reg.MustRegister(c.handshakeFailed)
	reg.MustRegister(c.handshakeSuccess)
	reg.MustRegister(c.handshakeTimeout)
	reg.MustRegister(c.sessionSuccess)
	reg.MustRegister(c.sessionTimeout)
	reg.MustRegister(c.inFlight)
	reg.MustRegister(c.policyHits)

	return c
}

// Update replaces all metric values from the given stats snapshot and
// per-rule policy hit counts.
func (c *Collector) Update(snap stats.Snapshot, policyHits map[string]uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handshakeFailed.Set(float64(snap.HandshakeFailed))
	c.handshakeSuccess.Set(float64(snap.HandshakeSuccess))
	c.handshakeTimeout.Set(float64(snap.HandshakeTimeout))
	c.sessionSuccess.Set(float64(snap.SessionSuccess))
	c.sessionTimeout.Set(float64(snap.SessionTimeout))
	c.inFlight.Set(float64(snap.InFlight))

	c.policyHits.Reset()
	for rule, hits := range policyHits {
		c.policyHits.With(prometheus.Labels{"rule": rule}).Set(float64(hits))
	}
}
