package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GaugeSource reports a point-in-time value, e.g. a queue depth.
type GaugeSource func() float64

// Gauges holds the process-local pipeline gauges scraped at /metrics.
type Gauges struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	snapshotReloads     *prometheus.CounterVec
}

// GaugeSources wires the live values behind each gauge. Nil sources are skipped.
type GaugeSources struct {
	QueueDepth     GaugeSource
	PendingRetries GaugeSource
	CacheSize      GaugeSource
	WindowEvents   GaugeSource
	ChainHead      GaugeSource
}

// NewGauges registers the pipeline gauges and the standard process collectors on a
// private registry.
func NewGauges(sources GaugeSources) *Gauges {
	registry := prometheus.NewRegistry()

	g := &Gauges{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governance_http_requests_total",
				Help: "Total number of HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "governance_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		snapshotReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governance_snapshot_reloads_total",
				Help: "Governance snapshot reload attempts by status",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		g.httpRequestsTotal,
		g.httpRequestDuration,
		g.snapshotReloads,
	)

	g.register("governance_audit_queue_depth", "Audit events waiting for the sequencer", sources.QueueDepth)
	g.register("governance_audit_pending_retries", "Sequenced audit batches awaiting a durable write", sources.PendingRetries)
	g.register("governance_decision_cache_entries", "Entries held by the decision cache", sources.CacheSize)
	g.register("governance_policy_window_events", "Observations buffered for frequency and correlation rules", sources.WindowEvents)
	g.register("governance_audit_chain_head", "Sequence number of the newest chained audit event", sources.ChainHead)

	return g
}

func (g *Gauges) register(name, help string, source GaugeSource) {
	if source == nil {
		return
	}
	g.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, source))
}

// RecordHTTPRequest records an HTTP request served by the API.
func (g *Gauges) RecordHTTPRequest(method, route, status string, seconds float64) {
	g.httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	g.httpRequestDuration.WithLabelValues(method, route).Observe(seconds)
}

// RecordSnapshotReload counts a snapshot reload attempt.
func (g *Gauges) RecordSnapshotReload(status string) {
	g.snapshotReloads.WithLabelValues(status).Inc()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (g *Gauges) Handler() http.Handler {
	return promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (g *Gauges) Registry() *prometheus.Registry {
	return g.registry
}
