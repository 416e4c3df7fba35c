// Package metric exposes runtime metrics through a private Prometheus registry.
//
// Components receive a *Registry that may be nil; every recorder obtained from a
// nil registry is a no-op, so metrics never become a hard dependency of a plugin.
package metric

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the Prometheus registry and the runtime metric families.
type Registry struct {
	prometheusRegistry *prometheus.Registry

	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsRejected *prometheus.CounterVec
	eventsPublished  *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	tasksActive      *prometheus.GaugeVec
	tasksAbandoned   *prometheus.CounterVec
	mediatorDelivery *prometheus.CounterVec
}

// NewRegistry creates a registry with runtime metrics and Go/process collectors.
func NewRegistry() *Registry {
	r := &Registry{
		prometheusRegistry: prometheus.NewRegistry(),

		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "msr",
			Name:      "requests_total",
			Help:      "Requests processed by plugin message loops",
		}, []string{"plugin", "kind", "status"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "msr",
			Name:      "request_duration_seconds",
			Help:      "Time spent in command and query handlers",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"plugin", "kind"}),

		requestsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "msr",
			Name:      "requests_rejected_total",
			Help:      "Requests refused at admission",
		}, []string{"plugin", "reason"}),

		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "msr",
			Name:      "events_published_total",
			Help:      "Events published on plugin broadcast channels",
		}, []string{"plugin"}),

		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "msr",
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber queue was full",
		}, []string{"plugin"}),

		tasksActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "msr",
			Name:      "tasks_active",
			Help:      "Supervised tasks not yet in a terminal state",
		}, []string{"plugin"}),

		tasksAbandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "msr",
			Name:      "tasks_abandoned_total",
			Help:      "Tasks that ignored cancellation past the shutdown grace period",
		}, []string{"plugin"}),

		mediatorDelivery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "msr",
			Name:      "mediator_deliveries_total",
			Help:      "Mediator delivery attempts by outcome",
		}, []string{"mediator", "status"}),
	}

	r.prometheusRegistry.MustRegister(
		r.requests,
		r.requestDuration,
		r.requestsRejected,
		r.eventsPublished,
		r.eventsDropped,
		r.tasksActive,
		r.tasksAbandoned,
		r.mediatorDelivery,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prometheusRegistry, promhttp.HandlerOpts{})
}

// Plugin returns the recorder for one plugin. Nil-safe.
func (r *Registry) Plugin(name string) *PluginMetrics {
	if r == nil {
		return nil
	}
	return &PluginMetrics{registry: r, plugin: name}
}

// Mediator returns the recorder for one mediator. Nil-safe.
func (r *Registry) Mediator(name string) *MediatorMetrics {
	if r == nil {
		return nil
	}
	return &MediatorMetrics{registry: r, mediator: name}
}

// PluginMetrics records loop, broadcast and task metrics for one plugin.
type PluginMetrics struct {
	registry *Registry
	plugin   string
}

// ObserveRequest counts a processed request and its handler duration.
func (m *PluginMetrics) ObserveRequest(kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.registry.requests.WithLabelValues(m.plugin, kind, status).Inc()
	m.registry.requestDuration.WithLabelValues(m.plugin, kind).Observe(d.Seconds())
}

func (m *PluginMetrics) RequestRejected(reason string) {
	if m == nil {
		return
	}
	m.registry.requestsRejected.WithLabelValues(m.plugin, reason).Inc()
}

func (m *PluginMetrics) EventPublished() {
	if m == nil {
		return
	}
	m.registry.eventsPublished.WithLabelValues(m.plugin).Inc()
}

func (m *PluginMetrics) EventDropped() {
	if m == nil {
		return
	}
	m.registry.eventsDropped.WithLabelValues(m.plugin).Inc()
}

func (m *PluginMetrics) TasksActive(n int) {
	if m == nil {
		return
	}
	m.registry.tasksActive.WithLabelValues(m.plugin).Set(float64(n))
}

func (m *PluginMetrics) TaskAbandoned() {
	if m == nil {
		return
	}
	m.registry.tasksAbandoned.WithLabelValues(m.plugin).Inc()
}

// MediatorMetrics records delivery outcomes for one mediator.
type MediatorMetrics struct {
	registry *Registry
	mediator string
}

// Delivery counts one delivery outcome: delivered, filtered, failed or dropped.
func (m *MediatorMetrics) Delivery(status string) {
	if m == nil {
		return
	}
	m.registry.mediatorDelivery.WithLabelValues(m.mediator, status).Inc()
}
