package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type connectorMetrics struct {
	packets   *prometheus.CounterVec
	forward   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
	routes    *prometheus.CounterVec
	resyncs   *prometheus.CounterVec
}

var (
	connectorMetricsOnce sync.Once
	connectorRegistry    *connectorMetrics
)

// Connector returns the lazily-initialised metrics registry of the packet
// switch and its route protocol.
func Connector() *connectorMetrics {
	connectorMetricsOnce.Do(func() {
		connectorRegistry = &connectorMetrics{
			packets: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ilp",
				Subsystem: "connector",
				Name:      "packets_total",
				Help:      "Prepare packets processed segmented by outcome and reject code.",
			}, []string{"outcome", "code"}),
			forward: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "ilp",
				Subsystem: "connector",
				Name:      "forward_duration_seconds",
				Help:      "Latency of packets forwarded to a peer.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"peer"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ilp",
				Subsystem: "connector",
				Name:      "throttles_total",
				Help:      "Packets rejected by per-peer limits.",
			}, []string{"peer", "reason"}),
			routes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ilp",
				Subsystem: "ccp",
				Name:      "route_updates_total",
				Help:      "Route updates sent and received segmented by result.",
			}, []string{"direction", "result"}),
			resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ilp",
				Subsystem: "ccp",
				Name:      "resyncs_total",
				Help:      "Forced route table resynchronisations per peer.",
			}, []string{"peer"}),
		}
		prometheus.MustRegister(
			connectorRegistry.packets,
			connectorRegistry.forward,
			connectorRegistry.throttles,
			connectorRegistry.routes,
			connectorRegistry.resyncs,
		)
	})
	return connectorRegistry
}

// RecordPacket counts a processed packet. code is empty for fulfilled packets.
func (m *connectorMetrics) RecordPacket(outcome, code string) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues(normalize(outcome), strings.TrimSpace(code)).Inc()
}

// ObserveForward records how long a peer took to answer a forwarded packet.
func (m *connectorMetrics) ObserveForward(peer string, d time.Duration) {
	if m == nil {
		return
	}
	m.forward.WithLabelValues(normalize(peer)).Observe(d.Seconds())
}

// RecordThrottle counts a packet rejected by a limit.
func (m *connectorMetrics) RecordThrottle(peer, reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(normalize(peer), normalize(reason)).Inc()
}

// RecordRouteUpdate counts a route update. direction is "sent" or "received".
func (m *connectorMetrics) RecordRouteUpdate(direction, result string) {
	if m == nil {
		return
	}
	m.routes.WithLabelValues(normalize(direction), normalize(result)).Inc()
}

// RecordResync counts a forced resynchronisation with peer.
func (m *connectorMetrics) RecordResync(peer string) {
	if m == nil {
		return
	}
	m.resyncs.WithLabelValues(normalize(peer)).Inc()
}

func normalize(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "unknown"
	}
	return v
}
