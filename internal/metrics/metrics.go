// Package metrics exposes Prometheus collectors. A nil *Metrics is valid and
// records nothing, so components can run without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "livesession"

// Notification delivery paths
const (
	PathLive   = "live"
	PathQueued = "queued"
)

type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	UsersOnline       prometheus.Gauge
	SessionsActive    prometheus.Gauge
	EventsReceived    *prometheus.CounterVec
	Notifications     *prometheus.CounterVec
	Sessions          *prometheus.CounterVec
}

// New registers every collector on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Live socket connections.",
		}),
		UsersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "users_online",
			Help:      "Users in the last presence snapshot.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently ACTIVE in the live store.",
		}),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Inbound socket events by type.",
		}, []string{"type"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Targeted notifications by delivery path.",
		}, []string{"path"}),
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Session lifecycle transitions.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.ConnectionsActive,
		m.UsersOnline,
		m.SessionsActive,
		m.EventsReceived,
		m.Notifications,
		m.Sessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.ConnectionsActive.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.ConnectionsActive.Dec()
	}
}

func (m *Metrics) SetUsersOnline(n int) {
	if m != nil {
		m.UsersOnline.Set(float64(n))
	}
}

func (m *Metrics) SessionCreated() {
	if m != nil {
		m.Sessions.WithLabelValues("created").Inc()
		m.SessionsActive.Inc()
	}
}

func (m *Metrics) SessionEnded() {
	if m != nil {
		m.Sessions.WithLabelValues("ended").Inc()
		m.SessionsActive.Dec()
	}
}

// SetSessionsActive resets the gauge, e.g. after loading sessions at boot.
func (m *Metrics) SetSessionsActive(n int) {
	if m != nil {
		m.SessionsActive.Set(float64(n))
	}
}

func (m *Metrics) EventReceived(eventType string) {
	if m != nil {
		m.EventsReceived.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) Notification(path string) {
	if m != nil {
		m.Notifications.WithLabelValues(path).Inc()
	}
}
