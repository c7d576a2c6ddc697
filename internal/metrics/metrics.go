// Package metrics provides Prometheus instrumentation for the minichat
// server. It exposes gauges for connection and presence counts, counters for
// message, notification, avatar and economy outcomes, and a histogram for
// message submit latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "minichat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineIdentities tracks identities with at least one live connection.
	OnlineIdentities = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "minichat_online_identities",
		Help: "Current number of identities with at least one live connection",
	})

	// MessagesTotal counts chat submissions by result: "accepted",
	// "unidentified", "rate_limited", "empty" or "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "minichat_messages_total",
		Help: "Total number of chat message submissions",
	}, []string{"result"})

	// MessageLatency records the time from receipt to broadcast of a message.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "minichat_message_latency_seconds",
		Help:    "Message submit latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// MessagesPruned counts history rows deleted by the retention policy.
	MessagesPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "minichat_messages_pruned_total",
		Help: "Total number of history rows removed by pruning",
	})

	// NotificationsTotal counts offline notification attempts by result:
	// "sent", "skipped", "failed" or "claimed_elsewhere".
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "minichat_notifications_total",
		Help: "Offline email notification outcomes",
	}, []string{"result"})

	// AvatarUploads counts avatar uploads by result code.
	AvatarUploads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "minichat_avatar_uploads_total",
		Help: "Avatar upload outcomes",
	}, []string{"result"})

	// EconomyOps counts economy operations by op and result.
	EconomyOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "minichat_economy_ops_total",
		Help: "Balance accrual, purchase and activation outcomes",
	}, []string{"op", "result"})

	// BackgroundFailures counts failed background tasks by task name.
	BackgroundFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "minichat_background_failures_total",
		Help: "Background task failures",
	}, []string{"task"})

	// SlowConsumerEvictions counts connections dropped because their
	// outbound queue filled up.
	SlowConsumerEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "minichat_slow_consumer_evictions_total",
		Help: "Connections evicted for not reading broadcasts fast enough",
	})

	// RelayMessages counts cross-node broadcast relay traffic by direction.
	RelayMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "minichat_relay_messages_total",
		Help: "Broadcast envelopes relayed between nodes",
	}, []string{"direction"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineIdentities,
		MessagesTotal,
		MessageLatency,
		MessagesPruned,
		NotificationsTotal,
		AvatarUploads,
		EconomyOps,
		BackgroundFailures,
		RelayMessages,
		SlowConsumerEvictions,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
