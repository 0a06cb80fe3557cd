// Package metrics provides Prometheus instrumentation for the chat service.
// It exposes gauges for connection and conversation counts, counters for
// message throughput, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts the total number of messages processed, labeled by
	// kind ("text", "audio") and outcome ("sent", "failed", "blocked").
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of messages processed",
	}, []string{"kind", "outcome"})

	// MessageLatency records send-path latency (persist + broadcast) in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_message_latency_seconds",
		Help:    "Message persist and broadcast latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// VoiceUploadBytes records the size of uploaded voice note blobs.
	VoiceUploadBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_voice_upload_bytes",
		Help:    "Size of uploaded voice note blobs in bytes",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
	})

	// OpenConversations tracks the current number of open conversation views.
	OpenConversations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_open_conversations",
		Help: "Current number of open conversation views",
	})

	// PresenceSweeps counts presence records flipped offline by the sweeper.
	PresenceSweeps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_presence_sweeps_total",
		Help: "Total number of presence records swept to offline",
	})

	// HeartbeatEvictions counts connections closed by the gateway heartbeat
	// because the client stopped responding.
	HeartbeatEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_heartbeat_evictions_total",
		Help: "Total number of connections evicted by the heartbeat monitor",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		MessageLatency,
		VoiceUploadBytes,
		OpenConversations,
		PresenceSweeps,
		HeartbeatEvictions,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
