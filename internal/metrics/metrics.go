// Package metrics exposes proxy counters and latencies in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edgeproxy"

// DefaultBuckets are request duration buckets in seconds.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Collector owns the proxy's Prometheus metrics. A nil *Collector is valid
// and records nothing.
type Collector struct {
	registry *prometheus.Registry

	originDecisions  *prometheus.CounterVec
	requestsTotal    *prometheus.CounterVec
	requestDurations *prometheus.HistogramVec
	ruleHits         *prometheus.CounterVec
	upstreamErrors   prometheus.Counter
	telemetryResults *prometheus.CounterVec
	rejectedConns    *prometheus.CounterVec
}

// NewCollector creates a collector on a fresh registry, including Go runtime
// and process metrics.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collector{
		registry: reg,
		originDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "origin_decisions_total",
			Help:      "Origin admission decisions by result.",
		}, []string{"decision"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Completed requests by outcome, method and status.",
		}, []string{"outcome", "method", "status"}),
		requestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request handling latency by outcome.",
			Buckets:   DefaultBuckets,
		}, []string{"outcome"}),
		ruleHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_hits_total",
			Help:      "Requests answered by a mock rule.",
		}, []string{"rule"}),
		upstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Proxy attempts that failed to reach the upstream.",
		}),
		telemetryResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "events_total",
			Help:      "Telemetry delivery results.",
		}, []string{"result"}),
		rejectedConns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_connections_total",
			Help:      "Connections closed at accept time by origin admission.",
		}, []string{"decision"}),
	}
	reg.MustRegister(
		c.originDecisions,
		c.requestsTotal,
		c.requestDurations,
		c.ruleHits,
		c.upstreamErrors,
		c.telemetryResults,
		c.rejectedConns,
	)
	return c
}

// RecordOrigin counts one origin admission decision.
func (c *Collector) RecordOrigin(decision string) {
	if c == nil {
		return
	}
	c.originDecisions.WithLabelValues(decision).Inc()
}

// RecordRejectedConn counts a connection closed at accept time.
func (c *Collector) RecordRejectedConn(decision string) {
	if c == nil {
		return
	}
	c.rejectedConns.WithLabelValues(decision).Inc()
}

// RecordRequest records a completed request.
func (c *Collector) RecordRequest(outcome, method string, statusCode int, duration time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(outcome, methodLabel(method), strconv.Itoa(statusCode)).Inc()
	c.requestDurations.WithLabelValues(outcome).Observe(duration.Seconds())
}

// methodLabel keeps the method label bounded: clients choose the method.
func methodLabel(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodConnect, http.MethodOptions, http.MethodTrace:
		return method
	}
	return "OTHER"
}

// RecordRuleHit counts a request answered by ruleID.
func (c *Collector) RecordRuleHit(ruleID string) {
	if c == nil {
		return
	}
	c.ruleHits.WithLabelValues(ruleID).Inc()
}

// RecordUpstreamError counts a failed proxy attempt.
func (c *Collector) RecordUpstreamError() {
	if c == nil {
		return
	}
	c.upstreamErrors.Inc()
}

// ObserveTelemetry counts a telemetry delivery result.
func (c *Collector) ObserveTelemetry(result string) {
	if c == nil {
		return
	}
	c.telemetryResults.WithLabelValues(result).Inc()
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
