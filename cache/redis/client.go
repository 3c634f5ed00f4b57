// Package redis implements the remote L2 backend on top of go-redis.
// Entries are stored as the serializer's bytes of the full entry record
// (not the bare value) so TTL, tags, dependencies, etag and version
// survive round-trips; the physical Redis expiry is set to ttl+swr so
// stale-window reads still succeed.
package redis

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/setulabs/skp-cache/cache"
)

// Lua script for releasing an advisory lock only when the caller's token
// still holds it. Returns 1 on release, 0 otherwise.
const unlockScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`

const (
	tagIndexSegment = ":__tags__:"
	keyTagsSegment  = ":__keytags__:"
	lockSegment     = ":__lock__:"
)

// Client implements cache.Backend, cache.TagBackend and
// cache.DistributedBackend using Redis as the store.
type Client struct {
	client     *redis.Client
	config     *Config
	serializer cache.Serializer
	logger     zerolog.Logger
	closed     atomic.Bool

	hits      atomic.Uint64
	misses    atomic.Uint64
	staleHits atomic.Uint64
	writes    atomic.Uint64
	deletes   atomic.Uint64
}

// Option configures a Client.
type Option func(*Client)

// WithSerializer replaces the default CBOR entry codec. The manager and
// backend may use different serializers; the backend's only encodes the
// entry envelope.
func WithSerializer(s cache.Serializer) Option {
	return func(c *Client) { c.serializer = s }
}

// WithLogger installs a logger for best-effort write failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a Redis cache backend.
// Validates configuration and verifies connectivity with a PING.
func NewClient(cfg *Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Address(),
		Password:        cfg.Password,
		DB:              cfg.Database,
		PoolSize:        cfg.PoolSize,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: cfg.MinRetryBackoff,
		MaxRetryBackoff: cfg.MaxRetryBackoff,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, cache.NewConnectionError("ping", cfg.Address(), err)
	}

	c := &Client{
		client:     rdb,
		config:     cfg,
		serializer: cache.CBORSerializer{},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// storageKey scopes key under the configured prefix.
func (c *Client) storageKey(key string) string {
	return c.config.KeyPrefix + ":" + key
}

func (c *Client) tagIndexKey(tag string) string {
	return c.config.KeyPrefix + tagIndexSegment + tag
}

func (c *Client) keyTagsKey(key string) string {
	return c.config.KeyPrefix + keyTagsSegment + key
}

func (c *Client) lockKey(key string) string {
	return c.config.KeyPrefix + lockSegment + key
}

// physicalTTL is the Redis expiry: the full usable window ttl+swr, so
// stale-window reads still find the entry.
func physicalTTL(opts *cache.Options) time.Duration {
	if opts == nil || opts.TTL <= 0 {
		return 0
	}
	return opts.TTL + opts.SWR
}

// wrapErr maps go-redis failures into the cache error taxonomy.
func wrapErr(op, key string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return cache.ErrNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return cache.ErrTimeout
	default:
		return cache.NewBackendError(op, key, err)
	}
}

// Get implements cache.Backend.
func (c *Client) Get(ctx context.Context, key string) (*cache.Entry, error) {
	if c.closed.Load() {
		return nil, cache.ErrClosed
	}

	data, err := c.client.Get(ctx, c.storageKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.misses.Add(1)
			return nil, cache.ErrNotFound
		}
		return nil, wrapErr("get", key, err)
	}

	entry, err := cache.DecodeEntry(c.serializer, data)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if !entry.IsUsable(now) {
		// Physical expiry lags logical expiry only under clock skew.
		c.misses.Add(1)
		return nil, cache.ErrNotFound
	}
	if entry.IsStale(now) {
		c.staleHits.Add(1)
	} else {
		c.hits.Add(1)
	}

	entry.Touch(now)
	c.touchAsync(key, entry)
	return entry, nil
}

// touchAsync persists updated access metadata without holding up the
// read. Lost updates are acceptable; the counters are advisory.
func (c *Client) touchAsync(key string, entry *cache.Entry) {
	clone := *entry
	go func() {
		data, err := cache.EncodeEntry(c.serializer, &clone)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := c.client.Set(ctx, c.storageKey(key), data, redis.KeepTTL).Err(); err != nil {
			c.logger.Debug().Err(err).Str("key", key).Msg("access metadata write failed")
		}
	}()
}

// buildEntry assembles the stored entry record for a write.
func (c *Client) buildEntry(ctx context.Context, key string, value []byte, opts *cache.Options) *cache.Entry {
	entry := cache.NewEntry(value, time.Now())
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

	entry.Version = 1
	if prev, err := c.client.Get(ctx, c.storageKey(key)).Bytes(); err == nil {
		if prevEntry, derr := cache.DecodeEntry(c.serializer, prev); derr == nil {
			entry.Version = prevEntry.Version + 1
		}
	}
	return entry
}

// Set implements cache.Backend.
func (c *Client) Set(ctx context.Context, key string, value []byte, opts *cache.Options) error {
	if c.closed.Load() {
		return cache.ErrClosed
	}
	if opts != nil && opts.TTL < 0 {
		return cache.ErrInvalidTTL
	}

	entry := c.buildEntry(ctx, key, value, opts)
	data, err := cache.EncodeEntry(c.serializer, entry)
	if err != nil {
		return err
	}

	if err := c.client.Set(ctx, c.storageKey(key), data, physicalTTL(opts)).Err(); err != nil {
		return wrapErr("set", key, err)
	}
	c.writes.Add(1)
	return nil
}

// Delete implements cache.Backend.
func (c *Client) Delete(ctx context.Context, key string) (bool, error) {
	if c.closed.Load() {
		return false, cache.ErrClosed
	}

	removed, err := c.client.Del(ctx, c.storageKey(key)).Result()
	if err != nil {
		return false, wrapErr("delete", key, err)
	}
	if removed > 0 {
		c.deletes.Add(1)
		c.scrubTags(ctx, key)
	}
	return removed > 0, nil
}

// Exists implements cache.Backend.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	if c.closed.Load() {
		return false, cache.ErrClosed
	}
	n, err := c.client.Exists(ctx, c.storageKey(key)).Result()
	if err != nil {
		return false, wrapErr("exists", key, err)
	}
	return n > 0, nil
}

// GetMany implements cache.Backend using a single MGET.
func (c *Client) GetMany(ctx context.Context, keys []string) ([]*cache.Entry, error) {
	if c.closed.Load() {
		return nil, cache.ErrClosed
	}
	if len(keys) == 0 {
		return nil, nil
	}

	storageKeys := make([]string, len(keys))
	for i, k := range keys {
		storageKeys[i] = c.storageKey(k)
	}

	values, err := c.client.MGet(ctx, storageKeys...).Result()
	if err != nil {
		return nil, wrapErr("mget", "", err)
	}

	now := time.Now()
	entries := make([]*cache.Entry, len(keys))
	for i, raw := range values {
		s, ok := raw.(string)
		if !ok {
			c.misses.Add(1)
			continue
		}
		entry, derr := cache.DecodeEntry(c.serializer, []byte(s))
		if derr != nil || !entry.IsUsable(now) {
			c.misses.Add(1)
			continue
		}
		if entry.IsStale(now) {
			c.staleHits.Add(1)
		} else {
			c.hits.Add(1)
		}
		entries[i] = entry
	}
	return entries, nil
}

// SetMany implements cache.Backend with a pipeline, preserving input
// order.
func (c *Client) SetMany(ctx context.Context, items []cache.Item) error {
	if c.closed.Load() {
		return cache.ErrClosed
	}

	pipe := c.client.Pipeline()
	for _, item := range items {
		entry := c.buildEntry(ctx, item.Key, item.Value, item.Options)
		data, err := cache.EncodeEntry(c.serializer, entry)
		if err != nil {
			return err
		}
		pipe.Set(ctx, c.storageKey(item.Key), data, physicalTTL(item.Options))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapErr("set_many", "", err)
	}
	c.writes.Add(uint64(len(items)))
	return nil
}

// DeleteMany implements cache.Backend.
func (c *Client) DeleteMany(ctx context.Context, keys []string) (int64, error) {
	if c.closed.Load() {
		return 0, cache.ErrClosed
	}
	if len(keys) == 0 {
		return 0, nil
	}

	storageKeys := make([]string, len(keys))
	for i, k := range keys {
		storageKeys[i] = c.storageKey(k)
	}
	removed, err := c.client.Del(ctx, storageKeys...).Result()
	if err != nil {
		return 0, wrapErr("delete_many", "", err)
	}
	c.deletes.Add(uint64(removed))
	for _, k := range keys {
		c.scrubTags(ctx, k)
	}
	return removed, nil
}

// Clear implements cache.Backend. Only keys under this backend's prefix
// are removed, using cursor-based SCAN iteration rather than a blocking
// enumeration.
func (c *Client) Clear(ctx context.Context) error {
	if c.closed.Load() {
		return cache.ErrClosed
	}

	var cursor uint64
	pattern := c.config.KeyPrefix + ":*"
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, int64(c.config.ScanBatchSize)).Result()
		if err != nil {
			return wrapErr("clear", "", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return wrapErr("clear", "", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Stats implements cache.Backend.
func (c *Client) Stats(ctx context.Context) (cache.Stats, error) {
	if c.closed.Load() {
		return cache.Stats{}, cache.ErrClosed
	}
	entries, err := c.Len(ctx)
	if err != nil {
		return cache.Stats{}, err
	}
	return cache.Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		StaleHits: c.staleHits.Load(),
		Writes:    c.writes.Load(),
		Deletes:   c.deletes.Load(),
		Entries:   entries,
	}, nil
}

// Len implements cache.Backend, counting data keys under the prefix
// (index and lock keys excluded) via cursor iteration.
func (c *Client) Len(ctx context.Context) (int, error) {
	if c.closed.Load() {
		return 0, cache.ErrClosed
	}

	var cursor uint64
	count := 0
	pattern := c.config.KeyPrefix + ":*"
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, int64(c.config.ScanBatchSize)).Result()
		if err != nil {
			return 0, wrapErr("len", "", err)
		}
		for _, k := range keys {
			if !isIndexKey(k) {
				count++
			}
		}
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

func isIndexKey(key string) bool {
	return strings.Contains(key, tagIndexSegment) ||
		strings.Contains(key, keyTagsSegment) ||
		strings.Contains(key, lockSegment)
}

// Close closes the Redis client and releases resources.
// A second call does nothing and returns cache.ErrClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return cache.ErrClosed
	}
	return c.client.Close()
}

var (
	_ cache.Backend            = (*Client)(nil)
	_ cache.TagBackend         = (*Client)(nil)
	_ cache.DistributedBackend = (*Client)(nil)
)
