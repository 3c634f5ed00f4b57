package cache

import (
	"context"
	"errors"
	"time"
)

// Loader fetches the authoritative value for a key on cache miss.
// Returning ErrNotFound marks the key as known-absent: the read-through
// cache writes a negative sentinel so repeated lookups skip the source.
//
// Loaders may be invoked more than once per key (background refreshes),
// so they must be idempotent.
type Loader[T any] func(ctx context.Context, key string) (T, error)

// ReadThrough wraps a manager with automatic loading: every read either
// returns a cached value or pulls one through the loader, coalesced so a
// miss storm reaches the source once.
type ReadThrough[T any] struct {
	manager     *Manager
	loader      Loader[T]
	opts        []Option
	negativeTTL time.Duration
}

// NewReadThrough builds a read-through view. opts apply to every write
// the loader produces. negativeTTL > 0 caches loader ErrNotFound results
// as negative sentinels for that duration.
func NewReadThrough[T any](m *Manager, loader Loader[T], negativeTTL time.Duration, opts ...Option) *ReadThrough[T] {
	return &ReadThrough[T]{
		manager:     m,
		loader:      loader,
		opts:        append(opts, WithCoalescing()),
		negativeTTL: negativeTTL,
	}
}

// Get returns the cached value for key, loading it on miss. A stale hit
// is returned immediately while a refresh runs in the background. A
// negative hit (or a loader ErrNotFound) returns found=false.
func (r *ReadThrough[T]) Get(ctx context.Context, key string) (value T, found bool, err error) {
	result, err := GetOrCompute(ctx, r.manager, key, func(pctx context.Context) (T, error) {
		return r.loader(pctx, key)
	}, r.opts...)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			if r.negativeTTL > 0 {
				if nerr := r.manager.SetNegative(ctx, key, r.negativeTTL); nerr != nil {
					r.manager.logger.Warn().Err(nerr).Str("key", key).Msg("negative cache write failed")
				}
			}
			var zero T
			return zero, false, nil
		}
		var zero T
		return zero, false, err
	}

	v, ok := result.Value()
	return v, ok, nil
}

// Refresh forces a reload of key through the loader, overwriting the
// cached entry.
func (r *ReadThrough[T]) Refresh(ctx context.Context, key string) error {
	value, err := r.loader(ctx, key)
	if err != nil {
		return err
	}
	return Set(ctx, r.manager, key, value, r.opts...)
}
