// Package metrics exposes import counters in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Row results recorded in richimport_rows_total.
const (
	ResultPublished = "published"
	ResultFailed    = "failed"
	ResultSkipped   = "skipped"
)

// Metrics owns a private registry. All methods are safe on a nil receiver.
type Metrics struct {
	registry       *prometheus.Registry
	rows           *prometheus.CounterVec
	assetsCreated  prometheus.Counter
	assetCacheHits prometheus.Counter
	rowDuration    prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "richimport_rows_total",
			Help: "Rows processed by import batches, by result.",
		}, []string{"result"}),
		assetsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "richimport_assets_created_total",
			Help: "Assets created and published from source URIs.",
		}),
		assetCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "richimport_asset_cache_hits_total",
			Help: "Asset resolutions served without creating a new asset.",
		}),
		rowDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "richimport_row_duration_seconds",
			Help:    "Time to map, convert, submit and republish one row.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		m.rows,
		m.assetsCreated,
		m.assetCacheHits,
		m.rowDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) RowDone(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.rows.WithLabelValues(result).Inc()
	if result != ResultSkipped {
		m.rowDuration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) AssetCreated() {
	if m == nil {
		return
	}
	m.assetsCreated.Inc()
}

func (m *Metrics) AssetCacheHit() {
	if m == nil {
		return
	}
	m.assetCacheHits.Inc()
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry on /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
