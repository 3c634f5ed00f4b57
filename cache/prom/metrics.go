// Package prom implements the cache.Metrics contract on Prometheus
// collectors, for applications that expose /metrics instead of wiring an
// OpenTelemetry pipeline.
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/setulabs/skp-cache/cache"
)

// Metrics records cache samples into Prometheus collectors.
// All collector updates are synchronous counter/gauge writes and never
// block the caller.
type Metrics struct {
	lookups   *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	evictions *prometheus.CounterVec
	coalesced prometheus.Counter
	entries   prometheus.Gauge
	bytes     prometheus.Gauge
}

// New registers the cache collectors on reg (use
// prometheus.DefaultRegisterer for the default registry).
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		lookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Total number of cache lookups.",
		}, []string{"status" /* hit | miss | stale */, "tier"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cache_operation_duration_seconds",
			Help:    "Duration of cache operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		evictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Total number of evicted entries.",
		}, []string{"reason"}),
		coalesced: factory.NewCounter(prometheus.CounterOpts{
			Name: "cache_coalesced_requests_total",
			Help: "Total number of requests that joined an inflight computation.",
		}),
		entries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cache_entries",
			Help: "Current number of cached entries.",
		}),
		bytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cache_memory_bytes",
			Help: "Approximate cached payload size in bytes.",
		}),
	}
}

// RecordHit implements cache.Metrics.
func (m *Metrics) RecordHit(_ string, tier cache.Tier) {
	m.lookups.WithLabelValues("hit", tier.String()).Inc()
}

// RecordMiss implements cache.Metrics.
func (m *Metrics) RecordMiss(string) {
	m.lookups.WithLabelValues("miss", "").Inc()
}

// RecordStaleHit implements cache.Metrics.
func (m *Metrics) RecordStaleHit(string) {
	m.lookups.WithLabelValues("stale", "").Inc()
}

// RecordLatency implements cache.Metrics.
func (m *Metrics) RecordLatency(op cache.Operation, d time.Duration) {
	m.latency.WithLabelValues(string(op)).Observe(d.Seconds())
}

// RecordEviction implements cache.Metrics.
func (m *Metrics) RecordEviction(reason cache.EvictionReason) {
	m.evictions.WithLabelValues(string(reason)).Inc()
}

// RecordSize implements cache.Metrics.
func (m *Metrics) RecordSize(entries, bytes int) {
	m.entries.Set(float64(entries))
	m.bytes.Set(float64(bytes))
}

// RecordCoalesce implements cache.Metrics.
func (m *Metrics) RecordCoalesce(string) {
	m.coalesced.Inc()
}

var _ cache.Metrics = (*Metrics)(nil)
