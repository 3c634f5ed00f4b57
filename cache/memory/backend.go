// Package memory implements the in-process L1 backend: a sharded hash
// table with TTL/SWR expiry, tag indexing, capacity eviction and an
// optional bloom filter that short-circuits lookups of keys that were
// never written.
package memory

import (
	"context"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/setulabs/skp-cache/cache"
)

// shard is one segment of the key space with its own lock.
type shard struct {
	mu      sync.RWMutex
	entries map[string]*cache.Entry
}

// Backend is a sharded in-memory cache.Backend with tag support.
// Cloning the struct is not supported; share the pointer.
type Backend struct {
	config Config
	shards []*shard
	mask   uint64
	logger zerolog.Logger
	now    func() time.Time

	tagMu   sync.RWMutex
	tags    map[string]map[string]struct{} // tag -> keys
	keyTags map[string]map[string]struct{} // key -> tags

	bloomMu sync.RWMutex
	bloom   *bloom.BloomFilter

	hits      atomic.Uint64
	misses    atomic.Uint64
	staleHits atomic.Uint64
	writes    atomic.Uint64
	deletes   atomic.Uint64
	evictions atomic.Uint64

	closed  atomic.Bool
	stopCh  chan struct{}
	stopped sync.Once
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger installs a logger for sweep diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// New creates a memory backend and starts its janitor when a cleanup
// interval is configured. Call Close to stop the janitor.
func New(config Config, opts ...Option) (*Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	b := &Backend{
		config:  config,
		shards:  make([]*shard, config.Shards),
		mask:    uint64(config.Shards - 1),
		logger:  zerolog.Nop(),
		now:     time.Now,
		tags:    make(map[string]map[string]struct{}),
		keyTags: make(map[string]map[string]struct{}),
		stopCh:  make(chan struct{}),
	}
	for i := range b.shards {
		b.shards[i] = &shard{entries: make(map[string]*cache.Entry)}
	}
	if config.BloomCapacity > 0 {
		b.bloom = bloom.NewWithEstimates(config.BloomCapacity, config.BloomFPRate)
	}
	for _, opt := range opts {
		opt(b)
	}

	if config.CleanupInterval > 0 {
		go b.sweepLoop(config.CleanupInterval)
	}
	return b, nil
}

// MustNew is like New but panics on invalid configuration.
func MustNew(config Config, opts ...Option) *Backend {
	b, err := New(config, opts...)
	if err != nil {
		panic(err)
	}
	return b
}

// Close stops the janitor. The backend remains usable for reads/writes.
func (b *Backend) Close() error {
	b.stopped.Do(func() { close(b.stopCh) })
	return nil
}

func (b *Backend) shardFor(key string) *shard {
	return b.shards[xxhash.Sum64String(key)&b.mask]
}

// mayContain consults the bloom filter. False means the key was
// definitely never written since the last Clear.
func (b *Backend) mayContain(key string) bool {
	if b.bloom == nil {
		return true
	}
	b.bloomMu.RLock()
	defer b.bloomMu.RUnlock()
	return b.bloom.TestString(key)
}

func (b *Backend) bloomAdd(key string) {
	if b.bloom == nil {
		return
	}
	b.bloomMu.Lock()
	b.bloom.AddString(key)
	b.bloomMu.Unlock()
}

// Get implements cache.Backend.
func (b *Backend) Get(_ context.Context, key string) (*cache.Entry, error) {
	if !b.mayContain(key) {
		b.misses.Add(1)
		return nil, cache.ErrNotFound
	}

	s := b.shardFor(key)
	now := b.now()

	s.mu.Lock()
	entry, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		b.misses.Add(1)
		return nil, cache.ErrNotFound
	}
	if !entry.IsUsable(now) {
		delete(s.entries, key)
		s.mu.Unlock()
		b.dropTags(key)
		b.misses.Add(1)
		b.evictions.Add(1)
		return nil, cache.ErrNotFound
	}
	entry.Touch(now)
	stale := entry.IsStale(now)
	clone := cloneEntry(entry)
	s.mu.Unlock()

	if stale {
		b.staleHits.Add(1)
	} else {
		b.hits.Add(1)
	}
	return clone, nil
}

// Set implements cache.Backend.
func (b *Backend) Set(_ context.Context, key string, value []byte, opts *cache.Options) error {
	if opts != nil && opts.TTL < 0 {
		return cache.ErrInvalidTTL
	}

	s := b.shardFor(key)
	now := b.now()

	entry := cache.NewEntry(value, now)
	if opts != nil {
		entry.TTL = opts.TTL
		entry.SWR = opts.SWR
		entry.Tags = append([]string(nil), opts.Tags...)
		entry.Dependencies = append([]string(nil), opts.Dependencies...)
		if opts.Cost > 0 {
			entry.Cost = opts.Cost
		}
		entry.ETag = opts.ETag
		entry.Negative = opts.Negative
	}

	s.mu.Lock()
	if prev, ok := s.entries[key]; ok {
		entry.Version = prev.Version + 1
	} else {
		entry.Version = 1
		b.evictIfFullLocked(s, now)
	}
	s.entries[key] = entry
	s.mu.Unlock()

	b.bloomAdd(key)
	b.writes.Add(1)
	return nil
}

// evictIfFullLocked removes an expired entry of s, or else its least
// recently accessed one, when the shard is at its share of the capacity.
// Must be called with s.mu held.
func (b *Backend) evictIfFullLocked(s *shard, now time.Time) {
	if b.config.MaxEntries <= 0 {
		return
	}
	perShard := b.config.MaxEntries / b.config.Shards
	if perShard < 1 {
		perShard = 1
	}
	if len(s.entries) < perShard {
		return
	}

	// Prefer dropping an already-expired entry; otherwise the coldest one.
	var victim string
	var victimAccess time.Time
	for k, e := range s.entries {
		if !e.IsUsable(now) {
			victim = k
			break
		}
		if victim == "" || e.LastAccessed.Before(victimAccess) {
			victim = k
			victimAccess = e.LastAccessed
		}
	}
	if victim != "" {
		delete(s.entries, victim)
		b.evictions.Add(1)
		b.dropTags(victim)
	}
}

// Delete implements cache.Backend.
func (b *Backend) Delete(_ context.Context, key string) (bool, error) {
	s := b.shardFor(key)
	s.mu.Lock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()

	if ok {
		b.dropTags(key)
		b.deletes.Add(1)
	}
	return ok, nil
}

// Exists implements cache.Backend.
func (b *Backend) Exists(_ context.Context, key string) (bool, error) {
	if !b.mayContain(key) {
		return false, nil
	}
	s := b.shardFor(key)
	s.mu.RLock()
	entry, ok := s.entries[key]
	usable := ok && entry.IsUsable(b.now())
	s.mu.RUnlock()
	return usable, nil
}

// GetMany implements cache.Backend.
func (b *Backend) GetMany(ctx context.Context, keys []string) ([]*cache.Entry, error) {
	out := make([]*cache.Entry, len(keys))
	for i, k := range keys {
		entry, err := b.Get(ctx, k)
		if err != nil {
			continue
		}
		out[i] = entry
	}
	return out, nil
}

// SetMany implements cache.Backend.
func (b *Backend) SetMany(ctx context.Context, items []cache.Item) error {
	for _, item := range items {
		if err := b.Set(ctx, item.Key, item.Value, item.Options); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMany implements cache.Backend.
func (b *Backend) DeleteMany(ctx context.Context, keys []string) (int64, error) {
	var count int64
	for _, k := range keys {
		removed, _ := b.Delete(ctx, k)
		if removed {
			count++
		}
	}
	return count, nil
}

// Clear implements cache.Backend. The bloom filter is rebuilt empty.
func (b *Backend) Clear(_ context.Context) error {
	for _, s := range b.shards {
		s.mu.Lock()
		s.entries = make(map[string]*cache.Entry)
		s.mu.Unlock()
	}

	b.tagMu.Lock()
	b.tags = make(map[string]map[string]struct{})
	b.keyTags = make(map[string]map[string]struct{})
	b.tagMu.Unlock()

	if b.bloom != nil {
		b.bloomMu.Lock()
		b.bloom = bloom.NewWithEstimates(b.config.BloomCapacity, b.config.BloomFPRate)
		b.bloomMu.Unlock()
	}
	return nil
}

// Stats implements cache.Backend.
func (b *Backend) Stats(_ context.Context) (cache.Stats, error) {
	entries, bytes := b.footprint()
	return cache.Stats{
		Hits:        b.hits.Load(),
		Misses:      b.misses.Load(),
		StaleHits:   b.staleHits.Load(),
		Writes:      b.writes.Load(),
		Deletes:     b.deletes.Load(),
		Evictions:   b.evictions.Load(),
		Entries:     entries,
		MemoryBytes: bytes,
	}, nil
}

func (b *Backend) footprint() (entries, bytes int) {
	for _, s := range b.shards {
		s.mu.RLock()
		entries += len(s.entries)
		for k, e := range s.entries {
			bytes += e.Size + len(k)
		}
		s.mu.RUnlock()
	}
	return entries, bytes
}

// Len implements cache.Backend.
func (b *Backend) Len(_ context.Context) (int, error) {
	entries, _ := b.footprint()
	return entries, nil
}

// KeysByTag implements cache.TagBackend.
func (b *Backend) KeysByTag(_ context.Context, tag string) ([]string, error) {
	b.tagMu.RLock()
	defer b.tagMu.RUnlock()
	keys := make([]string, 0, len(b.tags[tag]))
	for k := range b.tags[tag] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// InvalidateByTag implements cache.TagBackend.
func (b *Backend) InvalidateByTag(ctx context.Context, tag string) (int64, error) {
	keys, err := b.KeysByTag(ctx, tag)
	if err != nil {
		return 0, err
	}
	return b.DeleteMany(ctx, keys)
}

// InvalidateByPattern implements cache.TagBackend. The pattern is a
// shell-style glob matched against tag names.
func (b *Backend) InvalidateByPattern(ctx context.Context, pattern string) (int64, error) {
	b.tagMu.RLock()
	var matched []string
	for tag := range b.tags {
		if ok, merr := path.Match(pattern, tag); merr == nil && ok {
			matched = append(matched, tag)
		}
	}
	b.tagMu.RUnlock()

	var count int64
	for _, tag := range matched {
		n, err := b.InvalidateByTag(ctx, tag)
		if err != nil {
			return count, err
		}
		count += n
	}
	return count, nil
}

// RegisterTags implements cache.TagBackend.
func (b *Backend) RegisterTags(_ context.Context, key string, tags []string) error {
	b.tagMu.Lock()
	defer b.tagMu.Unlock()
	if b.keyTags[key] == nil {
		b.keyTags[key] = make(map[string]struct{}, len(tags))
	}
	for _, tag := range tags {
		if b.tags[tag] == nil {
			b.tags[tag] = make(map[string]struct{})
		}
		b.tags[tag][key] = struct{}{}
		b.keyTags[key][tag] = struct{}{}
	}
	return nil
}

// UnregisterTags implements cache.TagBackend.
func (b *Backend) UnregisterTags(_ context.Context, key string) error {
	b.dropTags(key)
	return nil
}

// dropTags scrubs key from every tag index it appears in. The explicit
// key→tags map makes eviction-time cleanup possible without scanning all
// tag sets.
func (b *Backend) dropTags(key string) {
	b.tagMu.Lock()
	defer b.tagMu.Unlock()
	for tag := range b.keyTags[key] {
		delete(b.tags[tag], key)
		if len(b.tags[tag]) == 0 {
			delete(b.tags, tag)
		}
	}
	delete(b.keyTags, key)
}

// sweepLoop periodically removes entries expired past their SWR window.
func (b *Backend) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := b.Sweep(); n > 0 {
				b.logger.Debug().Int("expired", n).Msg("memory sweep removed entries")
			}
		case <-b.stopCh:
			return
		}
	}
}

// Sweep drops every entry past its usable window and returns how many
// were removed. The janitor calls it on the configured interval; it is
// exported so embedders with their own schedulers can drive it directly.
func (b *Backend) Sweep() int {
	now := b.now()
	var removed []string
	for _, s := range b.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if !e.IsUsable(now) {
				delete(s.entries, k)
				removed = append(removed, k)
			}
		}
		s.mu.Unlock()
	}
	for _, k := range removed {
		b.dropTags(k)
		b.evictions.Add(1)
	}
	return len(removed)
}

func cloneEntry(e *cache.Entry) *cache.Entry {
	clone := *e
	clone.Value = append([]byte(nil), e.Value...)
	clone.Tags = append([]string(nil), e.Tags...)
	clone.Dependencies = append([]string(nil), e.Dependencies...)
	return &clone
}

var (
	_ cache.Backend    = (*Backend)(nil)
	_ cache.TagBackend = (*Backend)(nil)
)
