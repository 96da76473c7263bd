// Package metrics owns the prometheus collectors. A nil *Metrics is valid and
// records nothing, which keeps tests free of registry plumbing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry      *prometheus.Registry
	Notifications *prometheus.CounterVec
	Updates       *prometheus.CounterVec
	Denials       *prometheus.CounterVec
	Jobs          *prometheus.CounterVec
	Settlements   prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskbot_notifications_total",
			Help: "Notification deliveries by event kind and result.",
		}, []string{"kind", "result"}),
		Updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskbot_updates_total",
			Help: "Inbound updates by kind.",
		}, []string{"kind"}),
		Denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskbot_denials_total",
			Help: "Access denials by action.",
		}, []string{"action"}),
		Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskbot_jobs_total",
			Help: "Background jobs by type and result.",
		}, []string{"type", "result"}),
		Settlements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskbot_payments_settled_total",
			Help: "Charges settled.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Notifications, m.Updates, m.Denials, m.Jobs, m.Settlements,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Notification(kind, result string) {
	if m != nil {
		m.Notifications.WithLabelValues(kind, result).Inc()
	}
}

func (m *Metrics) Update(kind string) {
	if m != nil {
		m.Updates.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Denial(action string) {
	if m != nil {
		m.Denials.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) Job(typ, result string) {
	if m != nil {
		m.Jobs.WithLabelValues(typ, result).Inc()
	}
}

func (m *Metrics) Settled() {
	if m != nil {
		m.Settlements.Inc()
	}
}
