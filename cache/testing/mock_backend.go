package testing

import (
	"context"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/setulabs/skp-cache/cache"
)

// MockBackend is an in-memory cache.Backend for tests. It honors entry
// TTL/SWR against an injectable clock, maintains a tag index, tracks
// every operation and can be told to fail.
//
// MockBackend is thread-safe.
type MockBackend struct {
	mu      sync.Mutex
	entries map[string]*cache.Entry
	tags    map[string]map[string]struct{} // tag -> keys
	keyTags map[string]map[string]struct{} // key -> tags
	now     func() time.Time

	// Failure injection
	getErr    error
	setErr    error
	deleteErr error

	// Operation tracking
	GetCalls    atomic.Int64
	SetCalls    atomic.Int64
	DeleteCalls atomic.Int64

	stats cache.Stats
}

// NewMockBackend creates an empty mock backend using the wall clock.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		entries: make(map[string]*cache.Entry),
		tags:    make(map[string]map[string]struct{}),
		keyTags: make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

// WithClock overrides the time source used for expiry checks.
func (m *MockBackend) WithClock(now func() time.Time) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

// FailGet makes every Get/GetMany return err. Pass nil to restore.
func (m *MockBackend) FailGet(err error) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getErr = err
	return m
}

// FailSet makes every Set/SetMany return err. Pass nil to restore.
func (m *MockBackend) FailSet(err error) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setErr = err
	return m
}

// FailDelete makes every Delete/DeleteMany return err. Pass nil to restore.
func (m *MockBackend) FailDelete(err error) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = err
	return m
}

// Get implements cache.Backend.
func (m *MockBackend) Get(_ context.Context, key string) (*cache.Entry, error) {
	m.GetCalls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	entry, ok := m.entries[key]
	if !ok || !entry.IsUsable(m.now()) {
		if ok {
			m.removeLocked(key)
		}
		m.stats.Misses++
		return nil, cache.ErrNotFound
	}
	entry.Touch(m.now())
	if entry.IsStale(m.now()) {
		m.stats.StaleHits++
	} else {
		m.stats.Hits++
	}
	return cloneEntry(entry), nil
}

// Set implements cache.Backend.
func (m *MockBackend) Set(_ context.Context, key string, value []byte, opts *cache.Options) error {
	m.SetCalls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.setLocked(key, value, opts)
	return nil
}

func (m *MockBackend) setLocked(key string, value []byte, opts *cache.Options) {
	now := m.now()
	entry := cache.NewEntry(value, now)
	version := uint64(1)
	if prev, ok := m.entries[key]; ok {
		version = prev.Version + 1
	}
	if opts != nil {
		entry.TTL = opts.TTL
		entry.SWR = opts.SWR
		entry.Tags = append([]string(nil), opts.Tags...)
		entry.Dependencies = append([]string(nil), opts.Dependencies...)
		entry.Cost = opts.Cost
		entry.ETag = opts.ETag
		entry.Negative = opts.Negative
	}
	entry.Version = version
	m.entries[key] = entry
	m.stats.Writes++
}

// Delete implements cache.Backend.
func (m *MockBackend) Delete(_ context.Context, key string) (bool, error) {
	m.DeleteCalls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return false, m.deleteErr
	}
	_, ok := m.entries[key]
	if ok {
		m.removeLocked(key)
		m.stats.Deletes++
	}
	return ok, nil
}

func (m *MockBackend) removeLocked(key string) {
	delete(m.entries, key)
	for tag := range m.keyTags[key] {
		delete(m.tags[tag], key)
		if len(m.tags[tag]) == 0 {
			delete(m.tags, tag)
		}
	}
	delete(m.keyTags, key)
}

// Exists implements cache.Backend.
func (m *MockBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.Get(ctx, key)
	if err != nil {
		if err == cache.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetMany implements cache.Backend.
func (m *MockBackend) GetMany(ctx context.Context, keys []string) ([]*cache.Entry, error) {
	out := make([]*cache.Entry, len(keys))
	for i, k := range keys {
		entry, err := m.Get(ctx, k)
		if err != nil {
			if err == cache.ErrNotFound {
				continue
			}
			return nil, err
		}
		out[i] = entry
	}
	return out, nil
}

// SetMany implements cache.Backend.
func (m *MockBackend) SetMany(ctx context.Context, items []cache.Item) error {
	for _, item := range items {
		if err := m.Set(ctx, item.Key, item.Value, item.Options); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMany implements cache.Backend.
func (m *MockBackend) DeleteMany(ctx context.Context, keys []string) (int64, error) {
	var count int64
	for _, k := range keys {
		removed, err := m.Delete(ctx, k)
		if err != nil {
			return count, err
		}
		if removed {
			count++
		}
	}
	return count, nil
}

// Clear implements cache.Backend.
func (m *MockBackend) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*cache.Entry)
	m.tags = make(map[string]map[string]struct{})
	m.keyTags = make(map[string]map[string]struct{})
	return nil
}

// Stats implements cache.Backend.
func (m *MockBackend) Stats(_ context.Context) (cache.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.stats
	stats.Entries = len(m.entries)
	for _, e := range m.entries {
		stats.MemoryBytes += e.Size
	}
	return stats, nil
}

// Len implements cache.Backend.
func (m *MockBackend) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

// KeysByTag implements cache.TagBackend.
func (m *MockBackend) KeysByTag(_ context.Context, tag string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.tags[tag]))
	for k := range m.tags[tag] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// InvalidateByTag implements cache.TagBackend.
func (m *MockBackend) InvalidateByTag(_ context.Context, tag string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for k := range m.tags[tag] {
		if _, ok := m.entries[k]; ok {
			m.removeLocked(k)
			count++
		}
	}
	return count, nil
}

// InvalidateByPattern implements cache.TagBackend.
func (m *MockBackend) InvalidateByPattern(ctx context.Context, pattern string) (int64, error) {
	m.mu.Lock()
	var matched []string
	for tag := range m.tags {
		if ok, _ := path.Match(pattern, tag); ok {
			matched = append(matched, tag)
		}
	}
	m.mu.Unlock()

	var count int64
	for _, tag := range matched {
		n, err := m.InvalidateByTag(ctx, tag)
		if err != nil {
			return count, err
		}
		count += n
	}
	return count, nil
}

// RegisterTags implements cache.TagBackend.
func (m *MockBackend) RegisterTags(_ context.Context, key string, tags []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keyTags[key] == nil {
		m.keyTags[key] = make(map[string]struct{})
	}
	for _, tag := range tags {
		if m.tags[tag] == nil {
			m.tags[tag] = make(map[string]struct{})
		}
		m.tags[tag][key] = struct{}{}
		m.keyTags[key][tag] = struct{}{}
	}
	return nil
}

// UnregisterTags implements cache.TagBackend.
func (m *MockBackend) UnregisterTags(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tag := range m.keyTags[key] {
		delete(m.tags[tag], key)
		if len(m.tags[tag]) == 0 {
			delete(m.tags, tag)
		}
	}
	delete(m.keyTags, key)
	return nil
}

// Entry returns the raw stored entry for assertions, or nil.
func (m *MockBackend) Entry(key string) *cache.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return nil
	}
	return cloneEntry(entry)
}

func cloneEntry(e *cache.Entry) *cache.Entry {
	clone := *e
	clone.Value = append([]byte(nil), e.Value...)
	clone.Tags = append([]string(nil), e.Tags...)
	clone.Dependencies = append([]string(nil), e.Dependencies...)
	return &clone
}
