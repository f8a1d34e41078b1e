package core

// Swarm driver metrics (§A3): Prometheus counters/gauges for the event
// types the driver loop (swarm.go) emits. Grounded on the DOMAIN STACK's
// prometheus/client_golang mapping to C10 — this is the one ambient
// observability surface the spec's Non-goals do not exclude, since the
// driver's own event taxonomy (PeerAdded, SplitRecord, DoubleSpend, ...)
// is part of C10 itself, not an external metrics layer.

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	PeersKnown     prometheus.Gauge
	RecordsStored  prometheus.Counter
	TickCount      prometheus.Counter
	SplitRecords   prometheus.Counter
	DoubleSpends   prometheus.Counter
	RequestLatency prometheus.Histogram
	registry       *prometheus.Registry
}

// NewMetrics builds a fresh, self-contained registry so tests can
// instantiate multiple independent Swarm/Metrics pairs without colliding
// on the global default registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		PeersKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autonomi_peers_known",
			Help: "Peers currently held in the close-40 routing window.",
		}),
		RecordsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autonomi_records_stored_total",
			Help: "Records accepted into the local store.",
		}),
		TickCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autonomi_driver_ticks_total",
			Help: "Swarm driver timer ticks processed.",
		}),
		SplitRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autonomi_split_records_total",
			Help: "Split-record (fork) outcomes observed on get.",
		}),
		DoubleSpends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autonomi_double_spends_total",
			Help: "Double-spend GraphEntries rejected.",
		}),
		RequestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "autonomi_request_latency_seconds",
			Help:    "End-to-end latency of client get/put requests.",
			Buckets: prometheus.DefBuckets,
		}),
		registry: reg,
	}
	reg.MustRegister(m.PeersKnown, m.RecordsStored, m.TickCount, m.SplitRecords, m.DoubleSpends, m.RequestLatency)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
