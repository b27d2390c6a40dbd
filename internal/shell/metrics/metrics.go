// Package metrics exposes orchestrator and status server metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/artpar/stacker/internal/core/domain"
)

const namespace = "stacker"

// statuses are the values of the service status gauge.
var statuses = []domain.ServiceStatus{
	domain.StatusPending,
	domain.StatusStarting,
	domain.StatusReady,
	domain.StatusRunning,
	domain.StatusFailed,
	domain.StatusStopped,
}

// Metrics holds the collectors of one project. It implements the
// orchestrator's Observer.
type Metrics struct {
	Registry *prometheus.Registry

	serviceStatus *prometheus.GaugeVec
	restarts      *prometheus.CounterVec
	startLatency  *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	httpInFlight  prometheus.Gauge
}

// New creates and registers the collectors.
func New(project string) *Metrics {
	labels := prometheus.Labels{"project": project}

	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		serviceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   "service",
				Name:        "status",
				Help:        "Current status of each service; 1 for the active status.",
				ConstLabels: labels,
			},
			[]string{"service", "status"},
		),

		restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "service",
				Name:        "restarts_total",
				Help:        "Restarts performed by the restart policy.",
				ConstLabels: labels,
			},
			[]string{"service"},
		),

		startLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Subsystem:   "service",
				Name:        "start_duration_seconds",
				Help:        "Time from start request to readiness.",
				ConstLabels: labels,
				Buckets:     prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
			},
			[]string{"service"},
		),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "service",
				Name:        "transitions_total",
				Help:        "Status transitions by target status.",
				ConstLabels: labels,
			},
			[]string{"service", "to"},
		),

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled.",
			},
			[]string{"method", "path", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
			},
			[]string{"method", "path"},
		),

		httpInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "inflight_requests",
				Help:      "Current number of in-flight HTTP requests.",
			},
		),
	}

	m.Registry.MustRegister(
		m.serviceStatus,
		m.restarts,
		m.startLatency,
		m.transitions,
		m.httpRequests,
		m.httpDuration,
		m.httpInFlight,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// =============================================================================
// Orchestrator Observer
// =============================================================================

// ServiceStatusChanged sets the status gauge of service to to.
func (m *Metrics) ServiceStatusChanged(service string, _, to domain.ServiceStatus) {
	for _, s := range statuses {
		v := 0.0
		if s == to {
			v = 1
		}
		m.serviceStatus.WithLabelValues(service, string(s)).Set(v)
	}
	m.transitions.WithLabelValues(service, string(to)).Inc()
}

// ServiceRestarted counts a policy restart.
func (m *Metrics) ServiceRestarted(service string) {
	m.restarts.WithLabelValues(service).Inc()
}

// ServiceStarted observes how long a service took to become ready.
func (m *Metrics) ServiceStarted(service string, latency time.Duration) {
	m.startLatency.WithLabelValues(service).Observe(latency.Seconds())
}

// =============================================================================
// HTTP
// =============================================================================

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Instrument wraps next with request metrics. route names the path label so
// that path parameters do not explode cardinality.
func (m *Metrics) Instrument(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			m.httpInFlight.Inc()
			defer m.httpInFlight.Dec()

			next.ServeHTTP(rec, r)

			path := r.URL.Path
			if route != nil {
				if p := route(r); p != "" {
					path = p
				}
			}
			m.httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
			m.httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
