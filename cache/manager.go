package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Manager is the coordination layer between callers and a storage
// backend. It owns the dependency graph, the request coalescer and the
// freshness policy; it shares read-only references to the backend and
// serializer with all callers.
//
// Typed reads and writes go through the package-level generic functions
// (Get, Set, GetOrCompute, ...) which accept the manager as their first
// argument.
type Manager struct {
	backend    Backend
	serializer Serializer
	metrics    Metrics
	logger     zerolog.Logger
	config     Config

	graph     *dependencyGraph
	coalescer *coalescer
	rnd       *lockedRand
	now       func() time.Time
}

// ManagerOption configures a Manager at construction.
type ManagerOption func(*Manager)

// WithSerializer replaces the default CBOR serializer.
func WithSerializer(s Serializer) ManagerOption {
	return func(m *Manager) { m.serializer = s }
}

// WithMetrics installs a metrics sink. The default discards all samples.
func WithMetrics(metrics Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithLogger installs a logger for background-task failures. The default
// logger is disabled.
func WithLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) ManagerOption {
	return func(m *Manager) { m.config = cfg }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager over backend.
func NewManager(backend Backend, opts ...ManagerOption) (*Manager, error) {
	if backend == nil {
		return nil, NewConfigError("backend", "backend is required", nil)
	}

	m := &Manager{
		backend:    backend,
		serializer: CBORSerializer{},
		metrics:    NopMetrics{},
		logger:     zerolog.Nop(),
		config:     DefaultConfig(),
		graph:      newDependencyGraph(),
		coalescer:  newCoalescer(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.config.Validate(); err != nil {
		return nil, err
	}
	if m.config.EarlyRefreshBeta == 0 {
		m.config.EarlyRefreshBeta = DefaultEarlyRefreshBeta
	}
	m.rnd = newLockedRand(m.now().UnixNano())
	return m, nil
}

// Backend returns the underlying storage backend.
func (m *Manager) Backend() Backend { return m.backend }

// Serializer returns the configured serializer.
func (m *Manager) Serializer() Serializer { return m.serializer }

// fullKey prefixes key with the configured namespace.
func (m *Manager) fullKey(key string) string {
	if m.config.Namespace == "" {
		return key
	}
	return m.config.Namespace + ":" + key
}

// getEntry fetches and classifies the entry under fullKey. Absence and
// expiry both come back as StatusMiss with a nil entry; real backend
// failures propagate.
func (m *Manager) getEntry(ctx context.Context, fullKey string) (*Entry, Status, error) {
	entry, err := m.backend.Get(ctx, fullKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, StatusMiss, nil
		}
		return nil, StatusMiss, err
	}
	status := classify(entry, m.now())
	if status == StatusMiss {
		return nil, StatusMiss, nil
	}
	return entry, status, nil
}

// prepareOptions applies write defaults and jitter for paths that bypass
// setRaw's full pipeline (bulk writes without dependencies or version
// checks).
func (m *Manager) prepareOptions(opts *Options) *Options {
	o := opts.Clone()
	if o.TTL == 0 {
		o.TTL = m.config.DefaultTTL
	}
	if o.Cost == 0 {
		o.Cost = 1
	}
	if o.TTL > 0 && m.config.TTLJitter > 0 {
		o.TTL = jitteredTTL(o.TTL, m.config.TTLJitter, m.rnd.Float64())
	}
	return o
}

// setRaw stores an already-serialized payload under fullKey with the full
// write pipeline: defaults and jitter, dependency registration (cycle
// check before anything is written), optimistic version check, backend
// write and tag registration.
func (m *Manager) setRaw(ctx context.Context, fullKey string, payload []byte, opts *Options) error {
	opts = m.prepareOptions(opts)

	if len(opts.Dependencies) > 0 {
		deps := make([]string, len(opts.Dependencies))
		for i, d := range opts.Dependencies {
			deps[i] = m.fullKey(d)
		}
		opts.Dependencies = deps
		if err := m.graph.Register(fullKey, deps); err != nil {
			return err
		}
	}

	if opts.IfVersion != nil {
		current := uint64(0)
		existing, err := m.backend.Get(ctx, fullKey)
		switch {
		case err == nil:
			current = existing.Version
		case !errors.Is(err, ErrNotFound):
			return err
		}
		if current != *opts.IfVersion {
			return NewVersionConflictError(fullKey, *opts.IfVersion, current)
		}
	}

	setStart := time.Now()
	err := m.backend.Set(ctx, fullKey, payload, opts)
	m.metrics.RecordLatency(OpSet, time.Since(setStart))
	if err != nil {
		return err
	}

	if len(opts.Tags) > 0 {
		if tb, ok := m.backend.(TagBackend); ok {
			if err := tb.RegisterTags(ctx, fullKey, opts.Tags); err != nil {
				m.logger.Warn().Err(err).Str("key", fullKey).Msg("tag registration failed")
			}
		}
	}
	return nil
}

// Invalidate removes key together with every entry transitively depending
// on it. Descendants are deleted before the root key. Returns the number
// of backend entries actually removed.
func (m *Manager) Invalidate(ctx context.Context, key string) (int64, error) {
	fullKey := m.fullKey(key)
	start := time.Now()

	cascade := m.graph.Cascade(fullKey)
	keys := append(cascade, fullKey)

	count, err := m.backend.DeleteMany(ctx, keys)
	if err != nil {
		return 0, err
	}

	for _, k := range keys {
		m.graph.Remove(k)
	}
	for range cascade {
		m.metrics.RecordEviction(EvictionDependency)
	}
	m.metrics.RecordEviction(EvictionInvalidated)
	m.metrics.RecordLatency(OpInvalidate, time.Since(start))

	m.publishInvalidation(ctx, InvalidationEvent{Kind: InvalidateKey, Value: fullKey})
	return count, nil
}

// Delete removes key with cascade invalidation and reports whether the
// root key itself held an entry.
func (m *Manager) Delete(ctx context.Context, key string) (bool, error) {
	fullKey := m.fullKey(key)
	start := time.Now()

	existed, err := m.backend.Exists(ctx, fullKey)
	if err != nil {
		return false, err
	}
	if _, err := m.Invalidate(ctx, key); err != nil {
		return false, err
	}
	m.metrics.RecordLatency(OpDelete, time.Since(start))
	return existed, nil
}

// InvalidateByTag removes every entry registered under tag. Requires a
// backend with the tag capability.
func (m *Manager) InvalidateByTag(ctx context.Context, tag string) (int64, error) {
	tb, ok := m.backend.(TagBackend)
	if !ok {
		return 0, ErrUnsupported
	}
	start := time.Now()
	count, err := tb.InvalidateByTag(ctx, tag)
	if err != nil {
		return 0, err
	}
	m.metrics.RecordLatency(OpInvalidate, time.Since(start))
	m.publishInvalidation(ctx, InvalidationEvent{Kind: InvalidateTag, Value: tag})
	return count, nil
}

// InvalidateByPattern removes entries whose tags match the shell-style
// glob pattern. Requires a backend with the tag capability.
func (m *Manager) InvalidateByPattern(ctx context.Context, pattern string) (int64, error) {
	tb, ok := m.backend.(TagBackend)
	if !ok {
		return 0, ErrUnsupported
	}
	start := time.Now()
	count, err := tb.InvalidateByPattern(ctx, pattern)
	if err != nil {
		return 0, err
	}
	m.metrics.RecordLatency(OpInvalidate, time.Since(start))
	m.publishInvalidation(ctx, InvalidationEvent{Kind: InvalidatePattern, Value: pattern})
	return count, nil
}

// publishInvalidation best-effort broadcasts an invalidation event when
// the backend is distributed. Failures are logged and discarded.
func (m *Manager) publishInvalidation(ctx context.Context, event InvalidationEvent) {
	db, ok := m.backend.(DistributedBackend)
	if !ok {
		return
	}
	if err := db.PublishInvalidation(ctx, event); err != nil {
		m.logger.Warn().Err(err).
			Str("kind", string(event.Kind)).
			Str("value", event.Value).
			Msg("invalidation publish failed")
	}
}

// SetNegative writes a known-absent sentinel for key. Subsequent reads
// produce a NegativeHit until ttl elapses.
func (m *Manager) SetNegative(ctx context.Context, key string, ttl time.Duration) error {
	return m.setRaw(ctx, m.fullKey(key), nil, ApplyOptions(AsNegative(), WithTTL(ttl)))
}

// Exists reports whether key holds a usable entry.
func (m *Manager) Exists(ctx context.Context, key string) (bool, error) {
	return m.backend.Exists(ctx, m.fullKey(key))
}

// Clear removes every entry in the backend's namespace.
func (m *Manager) Clear(ctx context.Context) error {
	return m.backend.Clear(ctx)
}

// Stats returns the backend's counters snapshot and reports the size
// gauge to the metrics sink.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	stats, err := m.backend.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	m.metrics.RecordSize(stats.Entries, stats.MemoryBytes)
	return stats, nil
}

// Len returns the number of stored entries.
func (m *Manager) Len(ctx context.Context) (int, error) {
	return m.backend.Len(ctx)
}

// IsEmpty reports whether the backend holds no entries.
func (m *Manager) IsEmpty(ctx context.Context) (bool, error) {
	n, err := m.backend.Len(ctx)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// backgroundRefresh runs produce-and-store for fullKey outside the
// calling request, deduplicated per key. Failures are logged and
// discarded; they surface only through logs and metrics.
func (m *Manager) backgroundRefresh(fullKey string, opts *Options, produce func(context.Context) ([]byte, error)) {
	opts = opts.Clone()
	m.coalescer.TryRefresh(fullKey, func() {
		ctx := context.Background()
		payload, err := produce(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Str("key", fullKey).Msg("background refresh failed")
			return
		}
		if err := m.setRaw(ctx, fullKey, payload, opts); err != nil {
			m.logger.Warn().Err(err).Str("key", fullKey).Msg("background refresh write failed")
		}
	})
}

// wrapProducerErr maps context errors from a producer into the cache
// error taxonomy so waiters observe a structured cancellation.
func wrapProducerErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}
