package redis

import (
	"context"
	"path"
	"strings"

	"github.com/setulabs/skp-cache/cache"
)

// Tag indices live as Redis sets at "<prefix>:__tags__:<tag>", with a
// reverse set per key at "<prefix>:__keytags__:<key>" so deletion can
// scrub the indices without scanning every tag. Keys that Redis expires
// on its own stay listed in the indices.

// KeysByTag implements cache.TagBackend.
func (c *Client) KeysByTag(ctx context.Context, tag string) ([]string, error) {
	if c.closed.Load() {
		return nil, cache.ErrClosed
	}
	keys, err := c.client.SMembers(ctx, c.tagIndexKey(tag)).Result()
	if err != nil {
		return nil, wrapErr("keys_by_tag", tag, err)
	}
	return keys, nil
}

// InvalidateByTag implements cache.TagBackend.
func (c *Client) InvalidateByTag(ctx context.Context, tag string) (int64, error) {
	keys, err := c.KeysByTag(ctx, tag)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	count, err := c.DeleteMany(ctx, keys)
	if err != nil {
		return count, err
	}
	if err := c.client.Del(ctx, c.tagIndexKey(tag)).Err(); err != nil {
		return count, wrapErr("invalidate_by_tag", tag, err)
	}
	return count, nil
}

// InvalidateByPattern implements cache.TagBackend. The shell-style glob
// is matched against tag names discovered by cursor iteration over the
// tag index keys.
func (c *Client) InvalidateByPattern(ctx context.Context, pattern string) (int64, error) {
	if c.closed.Load() {
		return 0, cache.ErrClosed
	}

	indexPrefix := c.config.KeyPrefix + tagIndexSegment
	var cursor uint64
	var count int64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, indexPrefix+"*", int64(c.config.ScanBatchSize)).Result()
		if err != nil {
			return count, wrapErr("invalidate_by_pattern", pattern, err)
		}
		for _, indexKey := range keys {
			tag := strings.TrimPrefix(indexKey, indexPrefix)
			if ok, merr := path.Match(pattern, tag); merr == nil && ok {
				n, ierr := c.InvalidateByTag(ctx, tag)
				if ierr != nil {
					return count, ierr
				}
				count += n
			}
		}
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

// RegisterTags implements cache.TagBackend.
func (c *Client) RegisterTags(ctx context.Context, key string, tags []string) error {
	if c.closed.Load() {
		return cache.ErrClosed
	}
	if len(tags) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for _, tag := range tags {
		pipe.SAdd(ctx, c.tagIndexKey(tag), key)
		pipe.SAdd(ctx, c.keyTagsKey(key), tag)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapErr("register_tags", key, err)
	}
	return nil
}

// UnregisterTags implements cache.TagBackend.
func (c *Client) UnregisterTags(ctx context.Context, key string) error {
	if c.closed.Load() {
		return cache.ErrClosed
	}
	c.scrubTags(ctx, key)
	return nil
}

// scrubTags removes key from every tag set it appears in, then drops the
// reverse index. Best-effort; failures are logged and discarded.
func (c *Client) scrubTags(ctx context.Context, key string) {
	tags, err := c.client.SMembers(ctx, c.keyTagsKey(key)).Result()
	if err != nil || len(tags) == 0 {
		return
	}
	pipe := c.client.Pipeline()
	for _, tag := range tags {
		pipe.SRem(ctx, c.tagIndexKey(tag), key)
	}
	pipe.Del(ctx, c.keyTagsKey(key))
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("tag index scrub failed")
	}
}
