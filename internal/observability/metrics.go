// Package observability holds the Prometheus collector and OpenTelemetry
// tracer setup shared by the host-side components.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for jsand on a custom registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	RegistryCallsTotal   *prometheus.CounterVec
	RegistryCallDuration *prometheus.HistogramVec

	ClassTransfersTotal     *prometheus.CounterVec
	ClassTransferBytesTotal prometheus.Counter

	LogEventsTotal *prometheus.CounterVec

	SessionsTotal  *prometheus.CounterVec
	ReadinessWait  prometheus.Histogram
	ActiveSessions prometheus.Gauge
}

// NewMetrics creates a Metrics with every collector registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		RegistryCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jsand",
			Subsystem: "registry",
			Name:      "calls_total",
			Help:      "Total back-channel calls dispatched by the registry.",
		}, []string{"service", "method", "status"}),

		RegistryCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jsand",
			Subsystem: "registry",
			Name:      "call_duration_seconds",
			Help:      "Back-channel call duration in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"service", "method"}),

		ClassTransfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jsand",
			Subsystem: "class",
			Name:      "transfers_total",
			Help:      "Class byte requests served to the guest, by result.",
		}, []string{"result"}),

		ClassTransferBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jsand",
			Subsystem: "class",
			Name:      "transfer_bytes_total",
			Help:      "Class bytes sent to the guest.",
		}),

		LogEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jsand",
			Subsystem: "log",
			Name:      "events_total",
			Help:      "Log events forwarded by the guest, by level.",
		}, []string{"level"}),

		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jsand",
			Name:      "sessions_total",
			Help:      "Finished sandbox sessions, by final status.",
		}, []string{"status"}),

		ReadinessWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "jsand",
			Name:      "readiness_wait_seconds",
			Help:      "Time from container launch until the guest signaled readiness.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jsand",
			Name:      "active_sessions",
			Help:      "Sandbox sessions currently running.",
		}),
	}

	reg.MustRegister(
		m.RegistryCallsTotal,
		m.RegistryCallDuration,
		m.ClassTransfersTotal,
		m.ClassTransferBytesTotal,
		m.LogEventsTotal,
		m.SessionsTotal,
		m.ReadinessWait,
		m.ActiveSessions,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveCall records one registry dispatch.
func (m *Metrics) ObserveCall(service, method, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RegistryCallsTotal.WithLabelValues(service, method, status).Inc()
	m.RegistryCallDuration.WithLabelValues(service, method).Observe(elapsed.Seconds())
}

// ObserveClassTransfer records one class request. Only sent transfers
// count toward the byte total.
func (m *Metrics) ObserveClassTransfer(result string, size int) {
	if m == nil {
		return
	}
	m.ClassTransfersTotal.WithLabelValues(result).Inc()
	if result == "sent" && size > 0 {
		m.ClassTransferBytesTotal.Add(float64(size))
	}
}

func (m *Metrics) ObserveLogEvent(level string) {
	if m == nil {
		return
	}
	m.LogEventsTotal.WithLabelValues(level).Inc()
}

// SessionStarted bumps the active gauge. Pair with ObserveSession.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// ObserveSession records a finished session and drops the active gauge.
func (m *Metrics) ObserveSession(status string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveReadinessWait(d time.Duration) {
	if m == nil {
		return
	}
	m.ReadinessWait.Observe(d.Seconds())
}
