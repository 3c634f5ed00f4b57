package cache

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Get retrieves key and decodes it as T.
func Get[T any](ctx context.Context, m *Manager, key string) (Result[T], error) {
	fullKey := m.fullKey(key)
	start := time.Now()

	entry, status, err := m.getEntry(ctx, fullKey)
	if err != nil {
		return Miss[T](), err
	}

	var result Result[T]
	switch status {
	case StatusMiss:
		m.metrics.RecordMiss(fullKey)
		result = Miss[T]()
	case StatusNegative:
		m.metrics.RecordHit(fullKey, TierL1)
		result = NegativeHit[T]()
	default:
		value, derr := decodeEntryValue[T](m, entry)
		if derr != nil {
			return Miss[T](), derr
		}
		if status == StatusStale {
			m.metrics.RecordStaleHit(fullKey)
			result = Stale(typedEntry(entry, value))
		} else {
			m.metrics.RecordHit(fullKey, TierL1)
			result = Hit(typedEntry(entry, value))
		}
	}

	m.metrics.RecordLatency(OpGet, time.Since(start))
	return result, nil
}

// Set serializes value and stores it under key with the given options.
func Set[T any](ctx context.Context, m *Manager, key string, value T, opts ...Option) error {
	options := ApplyOptions(opts...)

	serializeStart := time.Now()
	payload, err := m.serializer.Marshal(value)
	m.metrics.RecordLatency(OpSerialize, time.Since(serializeStart))
	if err != nil {
		return err
	}

	return m.setRaw(ctx, m.fullKey(key), payload, options)
}

// GetOrCompute implements the cache-aside pattern: a Hit returns
// immediately, a Stale result returns the stale value while a background
// refresh runs, a NegativeHit short-circuits without invoking producer,
// and a Miss computes the value and writes it back.
//
// The producer must be safe to invoke more than once: stale-while-
// revalidate and early refresh re-run it in the background after the
// call returns. When coalescing is enabled (per call or manager-wide),
// concurrent misses on the same key share a single producer execution;
// waiters receive a freshly decoded copy of the leader's result.
func GetOrCompute[T any](ctx context.Context, m *Manager, key string, producer func(context.Context) (T, error), opts ...Option) (Result[T], error) {
	options := ApplyOptions(opts...)
	fullKey := m.fullKey(key)

	entry, status, err := m.getEntry(ctx, fullKey)
	if err != nil {
		return Miss[T](), err
	}

	produceBytes := func(pctx context.Context) ([]byte, error) {
		value, perr := producer(pctx)
		if perr != nil {
			return nil, wrapProducerErr(pctx, perr)
		}
		payload, serr := m.serializer.Marshal(value)
		if serr != nil {
			return nil, serr
		}
		return payload, nil
	}

	switch status {
	case StatusNegative:
		m.metrics.RecordHit(fullKey, TierL1)
		return NegativeHit[T](), nil

	case StatusHit:
		value, derr := decodeEntryValue[T](m, entry)
		if derr != nil {
			return Miss[T](), derr
		}
		m.metrics.RecordHit(fullKey, TierL1)
		if m.flagEarlyRefresh(entry, options) {
			// Scheduled like a stale entry; the caller still gets the
			// fresh value.
			m.backgroundRefresh(fullKey, options, produceBytes)
		}
		return Hit(typedEntry(entry, value)), nil

	case StatusStale:
		value, derr := decodeEntryValue[T](m, entry)
		if derr != nil {
			return Miss[T](), derr
		}
		m.metrics.RecordStaleHit(fullKey)
		m.backgroundRefresh(fullKey, options, produceBytes)
		return Stale(typedEntry(entry, value)), nil
	}

	// Miss: compute and write, coalesced when enabled.
	if !options.Coalesce && !m.config.Coalescing {
		value, perr := producer(ctx)
		if perr != nil {
			return Miss[T](), wrapProducerErr(ctx, perr)
		}
		if err := storeComputed(ctx, m, fullKey, value, options); err != nil {
			return Miss[T](), err
		}
		return Hit(computedEntry(m, value, options)), nil
	}

	var native T
	var haveNative bool
	payload, leader, err := m.coalescer.Do(ctx, fullKey, func() ([]byte, error) {
		value, perr := producer(ctx)
		if perr != nil {
			return nil, wrapProducerErr(ctx, perr)
		}
		bytes, serr := m.serializer.Marshal(value)
		if serr != nil {
			return nil, serr
		}
		if werr := m.setRaw(ctx, fullKey, bytes, options); werr != nil {
			return nil, werr
		}
		native = value
		haveNative = true
		return bytes, nil
	})
	if err != nil {
		return Miss[T](), err
	}

	if leader && haveNative {
		return Hit(computedEntry(m, native, options)), nil
	}

	// Waiter: decode a fresh copy of the leader's payload.
	m.metrics.RecordCoalesce(fullKey)
	value, derr := decodeValue[T](m.serializer, payload)
	if derr != nil {
		return Miss[T](), derr
	}
	return Hit(computedEntry(m, value, options)), nil
}

// GetMany retrieves several keys at once and returns the subset that is
// usable (fresh or stale) and deserializes successfully.
func GetMany[T any](ctx context.Context, m *Manager, keys []string) (map[string]T, error) {
	fullKeys := make([]string, len(keys))
	for i, k := range keys {
		fullKeys[i] = m.fullKey(k)
	}

	start := time.Now()
	entries, err := m.backend.GetMany(ctx, fullKeys)
	if err != nil {
		return nil, err
	}

	now := m.now()
	result := make(map[string]T, len(keys))
	for i, entry := range entries {
		status := classify(entry, now)
		switch status {
		case StatusHit, StatusStale:
			value, derr := decodeEntryValue[T](m, entry)
			if derr != nil {
				continue
			}
			if status == StatusStale {
				m.metrics.RecordStaleHit(fullKeys[i])
			} else {
				m.metrics.RecordHit(fullKeys[i], TierL1)
			}
			result[keys[i]] = value
		default:
			m.metrics.RecordMiss(fullKeys[i])
		}
	}
	m.metrics.RecordLatency(OpGet, time.Since(start))
	return result, nil
}

// BatchGetOrCompute retrieves keys, computes the missing subset in a
// single invocation of computeMissing and writes each computed value
// back. The returned map is the union of cached and computed values.
func BatchGetOrCompute[T any](ctx context.Context, m *Manager, keys []string, computeMissing func(context.Context, []string) (map[string]T, error), opts ...Option) (map[string]T, error) {
	options := ApplyOptions(opts...)

	found, err := GetMany[T](ctx, m, keys)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, k := range keys {
		if _, ok := found[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return found, nil
	}

	computed, err := computeMissing(ctx, missing)
	if err != nil {
		return nil, wrapProducerErr(ctx, err)
	}

	items := make([]Item, 0, len(computed))
	for k, v := range computed {
		payload, serr := m.serializer.Marshal(v)
		if serr != nil {
			return nil, serr
		}
		items = append(items, Item{Key: m.fullKey(k), Value: payload, Options: m.prepareOptions(options)})
		found[k] = v
	}
	if err := m.backend.SetMany(ctx, items); err != nil {
		return nil, err
	}
	return found, nil
}

// WarmUp bulk-populates the cache from entries with shared options.
func WarmUp[T any](ctx context.Context, m *Manager, entries map[string]T, opts ...Option) error {
	options := ApplyOptions(opts...)
	items := make([]Item, 0, len(entries))
	for k, v := range entries {
		payload, err := m.serializer.Marshal(v)
		if err != nil {
			return err
		}
		items = append(items, Item{Key: m.fullKey(k), Value: payload, Options: m.prepareOptions(options)})
	}
	return m.backend.SetMany(ctx, items)
}

// WarmUpParallel populates keys by fetching each value concurrently,
// bounding the number of inflight fetches. A fetch error aborts the warm
// up and is returned; already-written entries are kept.
func WarmUpParallel[T any](ctx context.Context, m *Manager, keys []string, fetch func(context.Context, string) (T, error), concurrency int, opts ...Option) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	options := ApplyOptions(opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, key := range keys {
		g.Go(func() error {
			value, err := fetch(gctx, key)
			if err != nil {
				return err
			}
			payload, err := m.serializer.Marshal(value)
			if err != nil {
				return err
			}
			return m.setRaw(gctx, m.fullKey(key), payload, options)
		})
	}
	return g.Wait()
}

// storeComputed serializes and writes a freshly computed value.
func storeComputed[T any](ctx context.Context, m *Manager, fullKey string, value T, options *Options) error {
	payload, err := m.serializer.Marshal(value)
	if err != nil {
		return err
	}
	return m.setRaw(ctx, fullKey, payload, options)
}

// computedEntry builds the typed entry returned for a just-computed
// value from the write options: the TTL is the one requested before
// jitter, and the version is reported as 1.
func computedEntry[T any](m *Manager, value T, options *Options) *TypedEntry[T] {
	now := m.now()
	ttl := options.TTL
	if ttl == 0 {
		ttl = m.config.DefaultTTL
	}
	return &TypedEntry[T]{
		Value:        value,
		CreatedAt:    now,
		LastAccessed: now,
		TTL:          ttl,
		SWR:          options.SWR,
		Tags:         options.Tags,
		Dependencies: options.Dependencies,
		Cost:         options.Cost,
		ETag:         options.ETag,
		Version:      1,
	}
}

// decodeEntryValue decodes an entry payload, timing the deserialization.
func decodeEntryValue[T any](m *Manager, entry *Entry) (T, error) {
	start := time.Now()
	value, err := decodeValue[T](m.serializer, entry.Value)
	m.metrics.RecordLatency(OpDeserialize, time.Since(start))
	return value, err
}

// flagEarlyRefresh samples the probabilistic early-refresh decision for a
// fresh entry.
func (m *Manager) flagEarlyRefresh(entry *Entry, options *Options) bool {
	if !m.config.EarlyRefresh && !options.EarlyRefresh {
		return false
	}
	if entry.TTL <= 0 {
		return false
	}
	now := m.now()
	return shouldRefreshEarly(entry.TTL, entry.TTLRemaining(now), m.config.EarlyRefreshBeta, m.rnd.OpenUnit())
}
