// Package metrics holds the prometheus collectors shared by client, server and registry.
//
// Every method is nil-safe so components can be built without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "krpc"

type Metrics struct {
	registry *prometheus.Registry

	clientCalls       *prometheus.CounterVec
	clientLatency     *prometheus.HistogramVec
	serverRequests    *prometheus.CounterVec
	retryAttempts     *prometheus.CounterVec
	heartbeatFailures prometheus.Counter
	toleranceApplied  *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		clientCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "client", Name: "calls_total",
			Help: "Client calls by service, method and result.",
		}, []string{"service", "method", "result"}),
		clientLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "client", Name: "call_duration_seconds",
			Help:    "Client call latency including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "method"}),
		serverRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "requests_total",
			Help: "Requests handled by the provider.",
		}, []string{"service", "method", "status"}),
		retryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "client", Name: "retry_attempts_total",
			Help: "Retried attempts after a failed call.",
		}, []string{"service"}),
		heartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "heartbeat_failures_total",
			Help: "Heartbeat cycles that failed to renew at least one node.",
		}),
		toleranceApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "client", Name: "tolerance_total",
			Help: "Terminal failures handed to the tolerance strategy.",
		}, []string{"service"}),
	}
	m.registry.MustRegister(
		m.clientCalls, m.clientLatency, m.serverRequests,
		m.retryAttempts, m.heartbeatFailures, m.toleranceApplied,
	)
	return m
}

// Registry exposes the underlying registry, e.g. for tests with testutil.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the collectors in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveClientCall(service, method string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.clientCalls.WithLabelValues(service, method, result).Inc()
	m.clientLatency.WithLabelValues(service, method).Observe(d.Seconds())
}

func (m *Metrics) ObserveServerRequest(service, method string, failed bool) {
	if m == nil {
		return
	}
	status := "ok"
	if failed {
		status = "failed"
	}
	m.serverRequests.WithLabelValues(service, method, status).Inc()
}

func (m *Metrics) IncRetry(service string) {
	if m == nil {
		return
	}
	m.retryAttempts.WithLabelValues(service).Inc()
}

func (m *Metrics) IncHeartbeatFailure() {
	if m == nil {
		return
	}
	m.heartbeatFailures.Inc()
}

func (m *Metrics) IncTolerance(service string) {
	if m == nil {
		return
	}
	m.toleranceApplied.WithLabelValues(service).Inc()
}
