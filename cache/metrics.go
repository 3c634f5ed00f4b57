package cache

import (
	"time"

	"github.com/setulabs/skp-cache/cache/internal/tracking"
)

// Operation labels latency samples.
type Operation string

// Operation names used for latency metrics.
const (
	OpGet         Operation = "get"
	OpSet         Operation = "set"
	OpDelete      Operation = "delete"
	OpInvalidate  Operation = "invalidate"
	OpSerialize   Operation = "serialize"
	OpDeserialize Operation = "deserialize"
)

// EvictionReason labels eviction counters.
type EvictionReason string

// Eviction reasons.
const (
	EvictionExpired     EvictionReason = "expired"
	EvictionCapacity    EvictionReason = "capacity"
	EvictionInvalidated EvictionReason = "invalidated"
	EvictionReplaced    EvictionReason = "replaced"
	EvictionDependency  EvictionReason = "dependency"
)

// Metrics is the emission contract for cache observability. Sinks must
// not block: the core never awaits a metric, and every emission happens
// synchronously on the goroutine doing the work (the caller's, or a
// background refresh's).
type Metrics interface {
	// RecordHit counts a fresh hit served from tier.
	RecordHit(key string, tier Tier)

	// RecordMiss counts a miss.
	RecordMiss(key string)

	// RecordStaleHit counts a stale value served while a refresh runs.
	RecordStaleHit(key string)

	// RecordLatency records an operation duration.
	RecordLatency(op Operation, d time.Duration)

	// RecordEviction counts an entry removal by reason.
	RecordEviction(reason EvictionReason)

	// RecordSize reports the current entry count and byte footprint.
	RecordSize(entries, bytes int)

	// RecordCoalesce counts a request that joined an inflight
	// computation instead of running its own.
	RecordCoalesce(key string)
}

// NopMetrics discards every sample. It is the default sink.
type NopMetrics struct{}

// RecordHit is a no-op.
func (NopMetrics) RecordHit(string, Tier) {}

// RecordMiss is a no-op.
func (NopMetrics) RecordMiss(string) {}

// RecordStaleHit is a no-op.
func (NopMetrics) RecordStaleHit(string) {}

// RecordLatency is a no-op.
func (NopMetrics) RecordLatency(Operation, time.Duration) {}

// RecordEviction is a no-op.
func (NopMetrics) RecordEviction(EvictionReason) {}

// RecordSize is a no-op.
func (NopMetrics) RecordSize(int, int) {}

// RecordCoalesce is a no-op.
func (NopMetrics) RecordCoalesce(string) {}

// OTelMetrics emits through the OpenTelemetry metric API registered on
// the global meter provider. Instruments are created lazily on first use
// and record nothing until an SDK is installed.
type OTelMetrics struct{}

// RecordHit counts a fresh hit served from tier.
func (OTelMetrics) RecordHit(_ string, tier Tier) {
	tracking.RecordHit(tier.String())
}

// RecordMiss counts a miss.
func (OTelMetrics) RecordMiss(string) {
	tracking.RecordMiss()
}

// RecordStaleHit counts a stale hit.
func (OTelMetrics) RecordStaleHit(string) {
	tracking.RecordStaleHit()
}

// RecordLatency records an operation duration histogram sample.
func (OTelMetrics) RecordLatency(op Operation, d time.Duration) {
	tracking.RecordLatency(string(op), d)
}

// RecordEviction counts an eviction by reason.
func (OTelMetrics) RecordEviction(reason EvictionReason) {
	tracking.RecordEviction(string(reason))
}

// RecordSize reports the size gauge.
func (OTelMetrics) RecordSize(entries, bytes int) {
	tracking.RecordSize(entries, bytes)
}

// RecordCoalesce counts a coalesced request.
func (OTelMetrics) RecordCoalesce(string) {
	tracking.RecordCoalesce()
}
