package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of one server. Each server owns a
// private registry so several servers can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	connections        prometheus.Gauge
	online             prometheus.Gauge
	logins             prometheus.Counter
	logouts            prometheus.Counter
	evictions          prometheus.Counter
	delivered          prometheus.Counter
	savedOffline       prometheus.Counter
	routeFailures      prometheus.Counter
	presenceBroadcasts prometheus.Counter
	protocolErrors     prometheus.Counter
}

func newMetrics(mailboxUsers func() float64) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lanchat_connections_active",
			Help: "Open client connections, logged in or not.",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lanchat_sessions_online",
			Help: "Sessions currently registered.",
		}),
		logins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanchat_logins_total",
			Help: "Successful login announcements.",
		}),
		logouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanchat_logouts_total",
			Help: "Registered sessions that ended.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanchat_evictions_total",
			Help: "Sessions replaced by a newer login for the same username.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanchat_messages_delivered_total",
			Help: "Per-recipient deliveries to online sessions.",
		}),
		savedOffline: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanchat_messages_saved_offline_total",
			Help: "Per-recipient mailbox enqueues.",
		}),
		routeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanchat_route_failures_total",
			Help: "Per-recipient routing attempts that neither delivered nor queued.",
		}),
		presenceBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanchat_presence_broadcasts_total",
			Help: "Roster snapshots pushed to all sessions.",
		}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanchat_protocol_errors_total",
			Help: "Connections dropped for malformed or out-of-order frames.",
		}),
	}

	m.registry.MustRegister(
		m.connections, m.online,
		m.logins, m.logouts, m.evictions,
		m.delivered, m.savedOffline, m.routeFailures,
		m.presenceBroadcasts, m.protocolErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if mailboxUsers != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "lanchat_mailbox_users",
			Help: "Usernames with undelivered mail.",
		}, mailboxUsers))
	}
	return m
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
