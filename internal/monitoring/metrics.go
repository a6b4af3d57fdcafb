package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the relay. Scraped via /metrics.
var (
	// Connection metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_total",
		Help: "Total number of client connections admitted",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "Current number of admitted client connections",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_connections_rejected_total",
		Help: "Connections rejected before admission, by reason",
	}, []string{"reason"})

	AuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_auth_failures_total",
		Help: "Handshake authentication failures by category",
	}, []string{"category"})

	// Subscription / fan-out metrics
	SubscriptionEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_subscription_entries",
		Help: "Current number of distinct upstream bus subscriptions",
	})

	SubscriptionMembers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_subscription_members",
		Help: "Current total of client pattern memberships",
	})

	FanoutDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_fanout_delivered_total",
		Help: "Bus messages enqueued to client send queues",
	})

	FanoutDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_fanout_dropped_total",
		Help: "Bus messages dropped on full client send queues, by topic",
	}, []string{"topic"})

	SlowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_slow_clients_disconnected_total",
		Help: "Clients disconnected for repeatedly failing to drain their send queue",
	})

	// Terminal metrics
	TerminalsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_terminals_active",
		Help: "Current number of open shell proxies",
	})

	TerminalsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_terminals_opened_total",
		Help: "Total shell proxies opened",
	})

	TerminalBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_terminal_bytes_total",
		Help: "Bytes piped through shell proxies, by direction (upstream/downstream)",
	}, []string{"direction"})

	TerminalErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_terminal_errors_total",
		Help: "Shell proxy dial and stream failures",
	})

	// Bus metrics
	BusConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_bus_connected",
		Help: "Whether the bus connection is up (1) or down (0)",
	})

	BusMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_bus_messages_total",
		Help: "Messages received from upstream bus subscriptions",
	})

	BusDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_bus_dropped_total",
		Help: "Upstream deliveries discarded on full subscription buffers",
	})

	// Client message metrics
	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_received_total",
		Help: "Messages received from clients",
	})

	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_sent_total",
		Help: "Messages written to clients",
	})

	RateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_rate_limited_messages_total",
		Help: "Client messages dropped by the per-client rate limiter",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsRejected,
		AuthFailures,
		SubscriptionEntries,
		SubscriptionMembers,
		FanoutDelivered,
		FanoutDropped,
		SlowClientsDisconnected,
		TerminalsActive,
		TerminalsOpened,
		TerminalBytes,
		TerminalErrors,
		BusConnected,
		BusMessages,
		BusDropped,
		MessagesReceived,
		MessagesSent,
		RateLimitedMessages,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
