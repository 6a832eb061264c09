package metrics

import "github.com/prometheus/client_golang/prometheus"

// WebSocketMetrics holds Prometheus metrics for WebSocket sessions.
type WebSocketMetrics struct {
	ActiveConnections prometheus.Gauge
	MessagesSent      prometheus.Counter
	SendDuration      prometheus.Histogram
	PingFailures      prometheus.Counter
	SlowClients       prometheus.Counter
}

// NewWebSocketMetrics creates and registers WebSocket metrics on the given registry.
func NewWebSocketMetrics(reg prometheus.Registerer) *WebSocketMetrics {
	m := &WebSocketMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of active WebSocket connections.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_sent_total",
			Help:      "Total number of WebSocket messages written to clients.",
		}),
		SendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "send_duration_seconds",
			Help:      "Time spent writing a single WebSocket message.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		PingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "ping_failures_total",
			Help:      "Total number of failed WebSocket pings.",
		}),
		SlowClients: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "slow_clients_total",
			Help:      "Total number of sends rejected because the session buffer was full.",
		}),
	}

	reg.MustRegister(m.ActiveConnections, m.MessagesSent, m.SendDuration, m.PingFailures, m.SlowClients)
	return m
}
