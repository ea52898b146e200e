// Package metrics provides Prometheus instrumentation for the messenger. It
// exposes gauges for connections and live subscriptions, counters for message
// throughput and side-channel failures, and a histogram for send latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts appended messages, labeled by message type.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_messages_total",
		Help: "Total number of messages appended",
	}, []string{"type"}) // type = "text", "image", "story_reply"

	// SendFailures counts rejected or failed sends, labeled by reason.
	SendFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_send_failures_total",
		Help: "Total number of failed message sends",
	}, []string{"reason"}) // reason = "validation", "permission", "upload", "store"

	// SendLatency records the time from send request to durable append.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "messenger_send_latency_seconds",
		Help:    "Message send latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// ActiveSubscriptions tracks live subscriptions, labeled by kind.
	ActiveSubscriptions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "messenger_active_subscriptions",
		Help: "Current number of live subscriptions",
	}, []string{"kind"}) // kind = "messages", "inbox", "typing"

	// SideChannelErrors counts swallowed presence and typing write failures.
	SideChannelErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_side_channel_errors_total",
		Help: "Presence and typing write failures",
	}, []string{"channel"}) // channel = "presence", "typing"
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		SendFailures,
		SendLatency,
		ActiveSubscriptions,
		SideChannelErrors,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
