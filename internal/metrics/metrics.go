// Package metrics defines the Sink interface every coordinator and
// background task reports through, plus a Prometheus-backed
// implementation. The core never imports the Prometheus client
// directly outside this package, so it stays oblivious to which
// metrics backend is actually in use.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink is the narrow interface the core depends on.
type Sink interface {
	Inc(name string)
	IncBy(name string, n float64)
	Observe(name string, seconds float64)
}

// Prometheus is a Sink backed by a dedicated prometheus.Registry. All
// counters/histograms it will ever report are registered eagerly in
// New so Inc/Observe never need to handle an unregistered name.
type Prometheus struct {
	registry *prometheus.Registry

	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

var defaultDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0}

// metric name, help text pairs mirroring the original service's
// metrics.rs registry.
var counterDefs = map[string]string{
	"event_store_append_requests_total":          "Total number of event append requests",
	"event_store_append_errors_total":            "Total number of event append errors",
	"event_store_append_conflicts_total":         "Total number of event append conflicts",
	"event_store_events_stored_total":            "Total number of events stored",
	"event_store_read_requests_total":            "Total number of event read requests",
	"event_store_read_errors_total":              "Total number of event read errors",
	"event_store_events_read_total":              "Total number of events read",
	"event_store_snapshot_create_requests_total": "Total number of snapshot create requests",
	"event_store_snapshot_create_errors_total":   "Total number of snapshot create errors",
	"event_store_snapshots_created_total":        "Total number of snapshots created",
	"event_store_snapshot_read_requests_total":   "Total number of snapshot read requests",
	"event_store_snapshot_read_errors_total":     "Total number of snapshot read errors",
	"event_store_snapshots_read_total":           "Total number of snapshots read",
	"event_store_scheduler_ticks_total":          "Total number of snapshot scheduler ticks",
	"event_store_scheduler_errors_total":         "Total number of snapshot scheduler per-stream errors",
	"event_store_archival_ticks_total":           "Total number of archival sweeper ticks",
	"event_store_archival_errors_total":          "Total number of archival sweeper errors",
	"event_store_archival_events_archived_total": "Total number of events marked archived",
}

var histogramDefs = map[string][]float64{
	"event_store_append_duration_seconds":          defaultDurationBuckets,
	"event_store_read_duration_seconds":            defaultDurationBuckets,
	"event_store_snapshot_create_duration_seconds": {0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
	"event_store_snapshot_read_duration_seconds":   {0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
}

// New builds a Prometheus sink with its own registry.
func New() *Prometheus {
	registry := prometheus.NewRegistry()
	p := &Prometheus{
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}

	for name, help := range counterDefs {
		p.counters[name] = promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{Name: name, Help: help},
			nil,
		)
	}
	for name, buckets := range histogramDefs {
		p.histograms[name] = promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{Name: name, Help: name, Buckets: buckets},
			nil,
		)
	}

	return p
}

func (p *Prometheus) Inc(name string) {
	p.IncBy(name, 1)
}

func (p *Prometheus) IncBy(name string, n float64) {
	if c, ok := p.counters[name]; ok {
		c.WithLabelValues().Add(n)
	}
}

func (p *Prometheus) Observe(name string, seconds float64) {
	if h, ok := p.histograms[name]; ok {
		h.WithLabelValues().Observe(seconds)
	}
}

// Handler returns the http.Handler that serves the Prometheus text
// exposition format for GET /metrics.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Noop is a Sink that discards everything; useful in tests that do not
// care about metrics.
type Noop struct{}

func (Noop) Inc(string)              {}
func (Noop) IncBy(string, float64)   {}
func (Noop) Observe(string, float64) {}
