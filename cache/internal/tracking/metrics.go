// Package tracking owns the OpenTelemetry instruments behind the cache
// metrics sink. Instruments initialize lazily against the global meter
// provider and tolerate initialization failure: a nil instrument simply
// records nothing.
package tracking

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "skp-cache"

	metricHit       = "cache.hit"                // Counter, attr cache.tier
	metricMiss      = "cache.miss"               // Counter
	metricStaleHit  = "cache.stale_hit"          // Counter
	metricLatency   = "cache.operation.duration" // Histogram in seconds, attr cache.operation
	metricEviction  = "cache.eviction"           // Counter, attr cache.eviction.reason
	metricEntries   = "cache.entries"            // Gauge
	metricBytes     = "cache.memory_bytes"       // Gauge
	metricCoalesced = "cache.coalesced"          // Counter

	attrTier      = "cache.tier"
	attrOperation = "cache.operation"
	attrReason    = "cache.eviction.reason"
)

var (
	meterOnce sync.Once
	initMu    sync.Mutex

	hitCounter       metric.Int64Counter
	missCounter      metric.Int64Counter
	staleHitCounter  metric.Int64Counter
	latencyHistogram metric.Float64Histogram
	evictionCounter  metric.Int64Counter
	entriesGauge     metric.Int64Gauge
	bytesGauge       metric.Int64Gauge
	coalescedCounter metric.Int64Counter
)

// logInstrumentError reports an instrument initialization failure to stderr.
func logInstrumentError(name string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: failed to initialize cache metric %s: %v\n", name, err)
	}
}

func initInstruments() {
	initMu.Lock()
	defer initMu.Unlock()

	meter := otel.Meter(meterName)
	var err error

	hitCounter, err = meter.Int64Counter(metricHit,
		metric.WithDescription("Number of fresh cache hits"),
		metric.WithUnit("{hit}"))
	logInstrumentError(metricHit, err)

	missCounter, err = meter.Int64Counter(metricMiss,
		metric.WithDescription("Number of cache misses"),
		metric.WithUnit("{miss}"))
	logInstrumentError(metricMiss, err)

	staleHitCounter, err = meter.Int64Counter(metricStaleHit,
		metric.WithDescription("Number of stale hits served while revalidating"),
		metric.WithUnit("{hit}"))
	logInstrumentError(metricStaleHit, err)

	latencyHistogram, err = meter.Float64Histogram(metricLatency,
		metric.WithDescription("Duration of cache operations"),
		metric.WithUnit("s"))
	logInstrumentError(metricLatency, err)

	evictionCounter, err = meter.Int64Counter(metricEviction,
		metric.WithDescription("Number of evicted entries"),
		metric.WithUnit("{entry}"))
	logInstrumentError(metricEviction, err)

	entriesGauge, err = meter.Int64Gauge(metricEntries,
		metric.WithDescription("Current number of cached entries"),
		metric.WithUnit("{entry}"))
	logInstrumentError(metricEntries, err)

	bytesGauge, err = meter.Int64Gauge(metricBytes,
		metric.WithDescription("Approximate cached payload size"),
		metric.WithUnit("By"))
	logInstrumentError(metricBytes, err)

	coalescedCounter, err = meter.Int64Counter(metricCoalesced,
		metric.WithDescription("Number of requests that joined an inflight computation"),
		metric.WithUnit("{request}"))
	logInstrumentError(metricCoalesced, err)
}

func ensureInitialized() {
	meterOnce.Do(initInstruments)
}

// RecordHit counts a fresh hit attributed to a tier.
func RecordHit(tier string) {
	ensureInitialized()
	if hitCounter != nil {
		hitCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String(attrTier, tier)))
	}
}

// RecordMiss counts a miss.
func RecordMiss() {
	ensureInitialized()
	if missCounter != nil {
		missCounter.Add(context.Background(), 1)
	}
}

// RecordStaleHit counts a stale hit.
func RecordStaleHit() {
	ensureInitialized()
	if staleHitCounter != nil {
		staleHitCounter.Add(context.Background(), 1)
	}
}

// RecordLatency records an operation duration in seconds.
func RecordLatency(operation string, d time.Duration) {
	ensureInitialized()
	if latencyHistogram != nil {
		latencyHistogram.Record(context.Background(), d.Seconds(),
			metric.WithAttributes(attribute.String(attrOperation, operation)))
	}
}

// RecordEviction counts an eviction by reason.
func RecordEviction(reason string) {
	ensureInitialized()
	if evictionCounter != nil {
		evictionCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String(attrReason, reason)))
	}
}

// RecordSize reports the entry-count and byte-footprint gauges.
func RecordSize(entries, bytes int) {
	ensureInitialized()
	if entriesGauge != nil {
		entriesGauge.Record(context.Background(), int64(entries))
	}
	if bytesGauge != nil {
		bytesGauge.Record(context.Background(), int64(bytes))
	}
}

// RecordCoalesce counts a request that joined an inflight computation.
func RecordCoalesce() {
	ensureInitialized()
	if coalescedCounter != nil {
		coalescedCounter.Add(context.Background(), 1)
	}
}

// ResetForTesting clears instrument state so tests can re-initialize.
func ResetForTesting() {
	initMu.Lock()
	defer initMu.Unlock()

	hitCounter = nil
	missCounter = nil
	staleHitCounter = nil
	latencyHistogram = nil
	evictionCounter = nil
	entriesGauge = nil
	bytesGauge = nil
	coalescedCounter = nil
	meterOnce = sync.Once{}
}
