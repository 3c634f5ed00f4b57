// Package multitier composes a fast local L1 backend with a slower
// remote L2 behind one cache.Backend. Reads prefer L1 and promote L2
// hits; writes follow a statically selected strategy; a circuit breaker
// degrades L2 to misses while the remote tier is unhealthy.
package multitier

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/setulabs/skp-cache/cache"
)

// WriteStrategy selects how writes propagate across tiers.
type WriteStrategy string

// Write strategies.
const (
	// WriteThrough writes L1 then L2 synchronously; the overall write
	// fails iff either tier fails (no rollback of the other).
	WriteThrough WriteStrategy = "write-through"
	// WriteBehind writes L1 synchronously and queues the L2 write;
	// queue failures surface only through logs and metrics.
	WriteBehind WriteStrategy = "write-behind"
	// WriteAround writes L2 only; L1 is populated on the next read.
	WriteAround WriteStrategy = "write-around"
)

// Config tunes the multi-tier composition.
type Config struct {
	// Strategy selects the write path. Default WriteThrough.
	Strategy WriteStrategy `koanf:"strategy"`
	// PromoteOnHit copies L2 hits into L1.
	PromoteOnHit bool `koanf:"promote_on_hit"`
	// L1TTL caps the TTL of promoted entries. Promotion never exceeds
	// the entry's remaining L2 TTL.
	L1TTL time.Duration `koanf:"l1_ttl"`
	// WriteBehindQueueSize bounds the async write queue. Default 1024.
	WriteBehindQueueSize int `koanf:"write_behind_queue_size"`
	// Breaker configures the L2 circuit breaker.
	Breaker BreakerConfig `koanf:"breaker"`
}

// DefaultConfig returns write-through with promotion, a 1 minute L1 cap
// and the default breaker.
func DefaultConfig() Config {
	return Config{
		Strategy:             WriteThrough,
		PromoteOnHit:         true,
		L1TTL:                time.Minute,
		WriteBehindQueueSize: 1024,
		Breaker:              DefaultBreakerConfig(),
	}
}

type writeTask struct {
	key   string
	value []byte
	opts  *cache.Options
}

// Backend combines an L1 and an L2 tier.
type Backend struct {
	l1      cache.Backend
	l2      cache.Backend
	breaker *CircuitBreaker
	config  Config
	logger  zerolog.Logger
	metrics cache.Metrics
	now     func() time.Time

	queue   chan writeTask
	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped sync.Once
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger installs a logger for background-write and promotion
// failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// WithMetrics installs a sink for hit/miss attribution per tier and
// write-behind failures.
func WithMetrics(metrics cache.Metrics) Option {
	return func(b *Backend) { b.metrics = metrics }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		b.now = now
		b.breaker.now = now
	}
}

// New composes l1 and l2. Call Close to drain the write-behind queue.
func New(l1, l2 cache.Backend, config Config, opts ...Option) (*Backend, error) {
	if l1 == nil || l2 == nil {
		return nil, cache.NewConfigError("multitier", "both tiers are required", nil)
	}
	switch config.Strategy {
	case WriteThrough, WriteBehind, WriteAround:
	case "":
		config.Strategy = WriteThrough
	default:
		return nil, cache.NewConfigError("multitier.strategy", "unknown write strategy "+string(config.Strategy), nil)
	}
	if config.WriteBehindQueueSize <= 0 {
		config.WriteBehindQueueSize = DefaultConfig().WriteBehindQueueSize
	}

	b := &Backend{
		l1:      l1,
		l2:      l2,
		breaker: NewCircuitBreaker(config.Breaker),
		config:  config,
		logger:  zerolog.Nop(),
		metrics: cache.NopMetrics{},
		now:     time.Now,
		queue:   make(chan writeTask, config.WriteBehindQueueSize),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	if config.Strategy == WriteBehind {
		b.wg.Add(1)
		go b.writeBehindLoop()
	}
	return b, nil
}

// Breaker exposes the L2 circuit breaker (read-only use intended).
func (b *Backend) Breaker() *CircuitBreaker { return b.breaker }

// Close stops the write-behind worker after draining queued writes.
func (b *Backend) Close() error {
	b.stopped.Do(func() { close(b.stopCh) })
	b.wg.Wait()
	return nil
}

// l2Call wraps an L2 operation with breaker accounting. It returns
// ErrCircuitOpen without calling fn when the breaker rejects.
func (b *Backend) l2Call(fn func() error) error {
	if !b.breaker.Allow() {
		return cache.ErrCircuitOpen
	}
	err := fn()
	if err != nil && !errors.Is(err, cache.ErrNotFound) && cache.IsTransient(err) {
		b.breaker.RecordFailure()
		return err
	}
	b.breaker.RecordSuccess()
	return err
}

// Get implements cache.Backend: L1 first, then breaker-gated L2 with
// optional promotion. An open circuit turns L2 lookups into misses.
func (b *Backend) Get(ctx context.Context, key string) (*cache.Entry, error) {
	entry, err := b.l1.Get(ctx, key)
	if err == nil {
		b.metrics.RecordHit(key, cache.TierL1)
		return entry, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		// A failing L1 must not take reads down; fall through to L2.
		b.logger.Warn().Err(err).Str("key", key).Msg("l1 read failed")
	}

	var l2Entry *cache.Entry
	err = b.l2Call(func() error {
		var gerr error
		l2Entry, gerr = b.l2.Get(ctx, key)
		return gerr
	})
	if err != nil {
		if errors.Is(err, cache.ErrCircuitOpen) {
			b.metrics.RecordMiss(key)
			return nil, cache.ErrNotFound
		}
		if errors.Is(err, cache.ErrNotFound) {
			b.metrics.RecordMiss(key)
		}
		return nil, err
	}

	b.metrics.RecordHit(key, cache.TierL2)
	if b.config.PromoteOnHit {
		b.promote(ctx, key, l2Entry)
	}
	return l2Entry, nil
}

// promote copies an L2 hit into L1, capped to the remaining L2 TTL so L1
// can never serve an entry L2 has already dropped. Failures are logged
// and do not fail the read.
func (b *Backend) promote(ctx context.Context, key string, entry *cache.Entry) {
	ttl := b.config.L1TTL
	if remaining := entry.TTLRemaining(b.now()); remaining > 0 && (ttl <= 0 || remaining < ttl) {
		ttl = remaining
	}
	opts := &cache.Options{
		TTL:          ttl,
		SWR:          entry.SWR,
		Tags:         entry.Tags,
		Dependencies: entry.Dependencies,
		Cost:         entry.Cost,
		ETag:         entry.ETag,
		Negative:     entry.Negative,
	}
	if err := b.l1.Set(ctx, key, entry.Value, opts); err != nil {
		b.logger.Warn().Err(err).Str("key", key).Msg("l1 promotion failed")
	}
}

// Set implements cache.Backend according to the configured strategy.
func (b *Backend) Set(ctx context.Context, key string, value []byte, opts *cache.Options) error {
	switch b.config.Strategy {
	case WriteBehind:
		if err := b.l1.Set(ctx, key, value, opts); err != nil {
			return err
		}
		b.enqueue(writeTask{key: key, value: value, opts: opts})
		return nil

	case WriteAround:
		return b.l2Call(func() error {
			return b.l2.Set(ctx, key, value, opts)
		})

	default: // WriteThrough
		l1Err := b.l1.Set(ctx, key, value, opts)
		l2Err := b.l2Call(func() error {
			return b.l2.Set(ctx, key, value, opts)
		})
		return errors.Join(l1Err, l2Err)
	}
}

// enqueue hands a write to the write-behind worker. A full queue drops
// the write; the loss is visible through logs and metrics only.
func (b *Backend) enqueue(task writeTask) {
	select {
	case b.queue <- task:
	default:
		b.logger.Warn().Str("key", task.key).Msg("write-behind queue full, dropping write")
		b.metrics.RecordEviction(cache.EvictionReplaced)
	}
}

func (b *Backend) writeBehindLoop() {
	defer b.wg.Done()
	for {
		select {
		case task := <-b.queue:
			b.flush(task)
		case <-b.stopCh:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case task := <-b.queue:
					b.flush(task)
				default:
					return
				}
			}
		}
	}
}

func (b *Backend) flush(task writeTask) {
	err := b.l2Call(func() error {
		return b.l2.Set(context.Background(), task.key, task.value, task.opts)
	})
	if err != nil {
		b.logger.Warn().Err(err).Str("key", task.key).Msg("write-behind flush failed")
	}
}

// Delete implements cache.Backend: both tiers are issued; the result is
// true iff either removed an entry.
func (b *Backend) Delete(ctx context.Context, key string) (bool, error) {
	l1Removed, l1Err := b.l1.Delete(ctx, key)

	var l2Removed bool
	l2Err := b.l2Call(func() error {
		var derr error
		l2Removed, derr = b.l2.Delete(ctx, key)
		return derr
	})
	if errors.Is(l2Err, cache.ErrCircuitOpen) {
		l2Err = nil
	}
	if l1Err != nil && l2Err != nil {
		return false, errors.Join(l1Err, l2Err)
	}
	return l1Removed || l2Removed, nil
}

// Exists implements cache.Backend.
func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	if ok, err := b.l1.Exists(ctx, key); err == nil && ok {
		return true, nil
	}
	var ok bool
	err := b.l2Call(func() error {
		var eerr error
		ok, eerr = b.l2.Exists(ctx, key)
		return eerr
	})
	if errors.Is(err, cache.ErrCircuitOpen) {
		return false, nil
	}
	return ok, err
}

// GetMany implements cache.Backend: L1 batch first, L2 batch for the
// misses, promoted back into L1 when configured.
func (b *Backend) GetMany(ctx context.Context, keys []string) ([]*cache.Entry, error) {
	results, err := b.l1.GetMany(ctx, keys)
	if err != nil {
		results = make([]*cache.Entry, len(keys))
	}

	var missingIdx []int
	var missingKeys []string
	for i, entry := range results {
		if entry == nil {
			missingIdx = append(missingIdx, i)
			missingKeys = append(missingKeys, keys[i])
		}
	}
	if len(missingKeys) == 0 {
		return results, nil
	}

	var l2Results []*cache.Entry
	err = b.l2Call(func() error {
		var gerr error
		l2Results, gerr = b.l2.GetMany(ctx, missingKeys)
		return gerr
	})
	if err != nil {
		// Degrade to the L1 partial view when L2 is unavailable.
		return results, nil
	}

	for i, entry := range l2Results {
		if entry == nil {
			continue
		}
		results[missingIdx[i]] = entry
		if b.config.PromoteOnHit {
			b.promote(ctx, missingKeys[i], entry)
		}
	}
	return results, nil
}

// SetMany implements cache.Backend following the write strategy.
func (b *Backend) SetMany(ctx context.Context, items []cache.Item) error {
	switch b.config.Strategy {
	case WriteBehind:
		if err := b.l1.SetMany(ctx, items); err != nil {
			return err
		}
		for _, item := range items {
			b.enqueue(writeTask{key: item.Key, value: item.Value, opts: item.Options})
		}
		return nil

	case WriteAround:
		return b.l2Call(func() error {
			return b.l2.SetMany(ctx, items)
		})

	default:
		l1Err := b.l1.SetMany(ctx, items)
		l2Err := b.l2Call(func() error {
			return b.l2.SetMany(ctx, items)
		})
		return errors.Join(l1Err, l2Err)
	}
}

// DeleteMany implements cache.Backend. Both tiers are issued; the count
// is the larger of the two since each tier may hold a different subset.
func (b *Backend) DeleteMany(ctx context.Context, keys []string) (int64, error) {
	l1Count, l1Err := b.l1.DeleteMany(ctx, keys)

	var l2Count int64
	l2Err := b.l2Call(func() error {
		var derr error
		l2Count, derr = b.l2.DeleteMany(ctx, keys)
		return derr
	})
	if errors.Is(l2Err, cache.ErrCircuitOpen) {
		l2Err = nil
	}
	if l1Err != nil && l2Err != nil {
		return 0, errors.Join(l1Err, l2Err)
	}
	if l2Count > l1Count {
		return l2Count, nil
	}
	return l1Count, nil
}

// Clear implements cache.Backend.
func (b *Backend) Clear(ctx context.Context) error {
	l1Err := b.l1.Clear(ctx)
	l2Err := b.l2Call(func() error {
		return b.l2.Clear(ctx)
	})
	if errors.Is(l2Err, cache.ErrCircuitOpen) {
		l2Err = nil
	}
	return errors.Join(l1Err, l2Err)
}

// Stats implements cache.Backend, merging both tiers. L2 counters win
// for misses (a true miss missed both); L1 supplies the memory gauge.
func (b *Backend) Stats(ctx context.Context) (cache.Stats, error) {
	l1Stats, err := b.l1.Stats(ctx)
	if err != nil {
		return cache.Stats{}, err
	}

	var l2Stats cache.Stats
	_ = b.l2Call(func() error {
		var serr error
		l2Stats, serr = b.l2.Stats(ctx)
		return serr
	})

	merged := cache.Stats{
		Hits:        l1Stats.Hits + l2Stats.Hits,
		Misses:      l2Stats.Misses,
		StaleHits:   l1Stats.StaleHits + l2Stats.StaleHits,
		Writes:      l2Stats.Writes,
		Deletes:     l2Stats.Deletes,
		Evictions:   l1Stats.Evictions + l2Stats.Evictions,
		Entries:     l2Stats.Entries,
		MemoryBytes: l1Stats.MemoryBytes,
	}
	if merged.Entries == 0 {
		merged.Entries = l1Stats.Entries
	}
	return merged, nil
}

// Len implements cache.Backend. L2 is authoritative when reachable.
func (b *Backend) Len(ctx context.Context) (int, error) {
	var n int
	err := b.l2Call(func() error {
		var lerr error
		n, lerr = b.l2.Len(ctx)
		return lerr
	})
	if err != nil {
		return b.l1.Len(ctx)
	}
	return n, nil
}

// ApplyInvalidation applies a pub/sub invalidation event to the local L1
// only, per the fan-out contract.
func (b *Backend) ApplyInvalidation(ctx context.Context, event cache.InvalidationEvent) {
	var err error
	switch event.Kind {
	case cache.InvalidateKey:
		_, err = b.l1.Delete(ctx, event.Value)
	case cache.InvalidateTag:
		if tb, ok := b.l1.(cache.TagBackend); ok {
			_, err = tb.InvalidateByTag(ctx, event.Value)
		}
	case cache.InvalidatePattern:
		if tb, ok := b.l1.(cache.TagBackend); ok {
			_, err = tb.InvalidateByPattern(ctx, event.Value)
		}
	}
	if err != nil {
		b.logger.Warn().Err(err).
			Str("kind", string(event.Kind)).
			Str("value", event.Value).
			Msg("invalidation fan-out failed")
	}
}

// KeysByTag implements cache.TagBackend when the tiers support tags.
// L2 is authoritative; an unreachable L2 falls back to L1.
func (b *Backend) KeysByTag(ctx context.Context, tag string) ([]string, error) {
	if tb, ok := b.l2.(cache.TagBackend); ok {
		var keys []string
		err := b.l2Call(func() error {
			var kerr error
			keys, kerr = tb.KeysByTag(ctx, tag)
			return kerr
		})
		if err == nil {
			return keys, nil
		}
	}
	if tb, ok := b.l1.(cache.TagBackend); ok {
		return tb.KeysByTag(ctx, tag)
	}
	return nil, cache.ErrUnsupported
}

// InvalidateByTag implements cache.TagBackend across both tiers.
func (b *Backend) InvalidateByTag(ctx context.Context, tag string) (int64, error) {
	var count int64
	supported := false
	if tb, ok := b.l1.(cache.TagBackend); ok {
		supported = true
		if n, err := tb.InvalidateByTag(ctx, tag); err == nil && n > count {
			count = n
		}
	}
	if tb, ok := b.l2.(cache.TagBackend); ok {
		supported = true
		var n int64
		err := b.l2Call(func() error {
			var ierr error
			n, ierr = tb.InvalidateByTag(ctx, tag)
			return ierr
		})
		if err == nil && n > count {
			count = n
		}
	}
	if !supported {
		return 0, cache.ErrUnsupported
	}
	return count, nil
}

// InvalidateByPattern implements cache.TagBackend across both tiers.
func (b *Backend) InvalidateByPattern(ctx context.Context, pattern string) (int64, error) {
	var count int64
	supported := false
	if tb, ok := b.l1.(cache.TagBackend); ok {
		supported = true
		if n, err := tb.InvalidateByPattern(ctx, pattern); err == nil && n > count {
			count = n
		}
	}
	if tb, ok := b.l2.(cache.TagBackend); ok {
		supported = true
		var n int64
		err := b.l2Call(func() error {
			var ierr error
			n, ierr = tb.InvalidateByPattern(ctx, pattern)
			return ierr
		})
		if err == nil && n > count {
			count = n
		}
	}
	if !supported {
		return 0, cache.ErrUnsupported
	}
	return count, nil
}

// RegisterTags implements cache.TagBackend on every tier that supports
// tags.
func (b *Backend) RegisterTags(ctx context.Context, key string, tags []string) error {
	var errs []error
	if tb, ok := b.l1.(cache.TagBackend); ok {
		errs = append(errs, tb.RegisterTags(ctx, key, tags))
	}
	if tb, ok := b.l2.(cache.TagBackend); ok {
		errs = append(errs, b.l2Call(func() error {
			return tb.RegisterTags(ctx, key, tags)
		}))
	}
	if len(errs) == 0 {
		return cache.ErrUnsupported
	}
	return errors.Join(errs...)
}

// UnregisterTags implements cache.TagBackend on every tier that supports
// tags.
func (b *Backend) UnregisterTags(ctx context.Context, key string) error {
	var errs []error
	if tb, ok := b.l1.(cache.TagBackend); ok {
		errs = append(errs, tb.UnregisterTags(ctx, key))
	}
	if tb, ok := b.l2.(cache.TagBackend); ok {
		errs = append(errs, b.l2Call(func() error {
			return tb.UnregisterTags(ctx, key)
		}))
	}
	if len(errs) == 0 {
		return cache.ErrUnsupported
	}
	return errors.Join(errs...)
}

var (
	_ cache.Backend    = (*Backend)(nil)
	_ cache.TagBackend = (*Backend)(nil)
)
