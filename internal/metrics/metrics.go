// Package metrics defines the Prometheus collectors exported by `modelq watch`.
//
// Every recording method is nil-safe so components can take a *Metrics
// without callers having to wire one.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "modelq"

// Metrics groups the engine's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retries         *prometheus.CounterVec

	realtimeConnects      prometheus.Counter
	realtimeConnectErrors prometheus.Counter
	realtimeConnected     prometheus.Gauge

	updates       *prometheus.CounterVec
	queueTasks    prometheus.Gauge
	terminalTasks *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Backend requests by method and final outcome",
		}, []string{"method", "outcome"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Backend request duration including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_retries_total",
			Help:      "Backend request re-issues by reason",
		}, []string{"reason"}),
		realtimeConnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_connects_total",
			Help:      "Successful push channel connections",
		}),
		realtimeConnectErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_connect_errors_total",
			Help:      "Failed push channel connection attempts",
		}),
		realtimeConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_connected",
			Help:      "1 while the push channel is connected",
		}),
		updates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_updates_total",
			Help:      "Queue updates merged by result",
		}, []string{"result"}),
		queueTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_tasks",
			Help:      "Tasks currently tracked in the queue",
		}),
		terminalTasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_terminal_tasks_total",
			Help:      "Tasks removed from the queue by terminal status",
		}, []string{"status"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "User-facing notifications by severity",
		}, []string{"severity"}),
	}
}

// Registry exposes the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveRequest(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) IncRetry(reason string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(reason).Inc()
}

func (m *Metrics) RealtimeConnected() {
	if m == nil {
		return
	}
	m.realtimeConnects.Inc()
	m.realtimeConnected.Set(1)
}

func (m *Metrics) RealtimeDisconnected() {
	if m == nil {
		return
	}
	m.realtimeConnected.Set(0)
}

func (m *Metrics) RealtimeConnectError() {
	if m == nil {
		return
	}
	m.realtimeConnectErrors.Inc()
	m.realtimeConnected.Set(0)
}

func (m *Metrics) IncUpdate(result string) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(result).Inc()
}

func (m *Metrics) SetQueueTasks(n int) {
	if m == nil {
		return
	}
	m.queueTasks.Set(float64(n))
}

func (m *Metrics) IncTerminal(status string) {
	if m == nil {
		return
	}
	m.terminalTasks.WithLabelValues(status).Inc()
}

func (m *Metrics) IncNotification(severity string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(severity).Inc()
}
