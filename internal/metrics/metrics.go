// Package metrics exposes the SFU gauges in the Prometheus text format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Placeholder quality values set when a stream opens; nothing measures them yet.
const (
	initialPacketLoss = 0
	initialRTT        = 50
	initialLatency    = 100
)

type Metrics struct {
	registry *prometheus.Registry

	ActiveProducers  prometheus.Gauge
	ActiveConsumers  prometheus.Gauge
	PacketLoss       *prometheus.GaugeVec
	RTT              *prometheus.GaugeVec
	StreamingLatency *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ActiveProducers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_producers",
			Help: "Number of live producers.",
		}),
		ActiveConsumers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_consumers",
			Help: "Number of live consumers.",
		}),
		PacketLoss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "packet_loss",
			Help: "Packet loss ratio (%).",
		}, []string{"peer_id", "producer_or_consumer"}),
		RTT: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rtt",
			Help: "Round trip time (ms).",
		}, []string{"peer_id", "producer_or_consumer"}),
		StreamingLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streaming_latency",
			Help: "Streaming latency (ms).",
		}, []string{"peer_id", "direction"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ActiveProducers,
		m.ActiveConsumers,
		m.PacketLoss,
		m.RTT,
		m.StreamingLatency,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ProducerOpened(peerID string) {
	m.ActiveProducers.Inc()
	m.PacketLoss.WithLabelValues(peerID, "producer").Set(initialPacketLoss)
	m.RTT.WithLabelValues(peerID, "producer").Set(initialRTT)
	m.StreamingLatency.WithLabelValues(peerID, "send").Set(initialLatency)
}

func (m *Metrics) ConsumerOpened(peerID string) {
	m.ActiveConsumers.Inc()
	m.PacketLoss.WithLabelValues(peerID, "consumer").Set(initialPacketLoss)
	m.RTT.WithLabelValues(peerID, "consumer").Set(initialRTT)
	m.StreamingLatency.WithLabelValues(peerID, "recv").Set(initialLatency)
}

func (m *Metrics) ProducerClosed() { m.ActiveProducers.Dec() }
func (m *Metrics) ConsumerClosed() { m.ActiveConsumers.Dec() }

// DeletePeer drops every per-peer series of peerID.
func (m *Metrics) DeletePeer(peerID string) {
	l := prometheus.Labels{"peer_id": peerID}
	m.PacketLoss.DeletePartialMatch(l)
	m.RTT.DeletePartialMatch(l)
	m.StreamingLatency.DeletePartialMatch(l)
}
