// Package metrics exposes Prometheus collectors for provider calls, bank
// syncs and HTTP traffic, served on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can build isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	providerRequests *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	syncRuns         *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	eventsPublished  *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "banklink",
			Name:      "provider_requests_total",
			Help:      "Outbound provider API calls by operation and HTTP status.",
		}, []string{"operation", "status"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "banklink",
			Name:      "provider_request_duration_seconds",
			Help:      "Latency of outbound provider API calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "banklink",
			Name:      "bank_sync_total",
			Help:      "Transaction syncs by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "banklink",
			Name:      "http_requests_total",
			Help:      "Inbound HTTP requests by method and status.",
		}, []string{"method", "status"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "banklink",
			Name:      "events_published_total",
			Help:      "Bank events handed to the publisher by routing key and outcome.",
		}, []string{"routing_key", "outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.providerRequests,
		m.providerLatency,
		m.syncRuns,
		m.httpRequests,
		m.eventsPublished,
	)
	return m
}

// ObserveProvider matches the plaid client observer signature.
func (m *Metrics) ObserveProvider(operation string, statusCode int, elapsed time.Duration) {
	status := "error"
	if statusCode > 0 {
		status = strconv.Itoa(statusCode)
	}
	m.providerRequests.WithLabelValues(operation, status).Inc()
	m.providerLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// ObserveSync records one sync attempt. trigger is "request" or "scheduled".
func (m *Metrics) ObserveSync(trigger string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.syncRuns.WithLabelValues(trigger, outcome).Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method string, status int) {
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// ObservePublish records one event publication.
func (m *Metrics) ObservePublish(routingKey string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.eventsPublished.WithLabelValues(routingKey, outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
