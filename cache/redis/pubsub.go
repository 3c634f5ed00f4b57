package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/setulabs/skp-cache/cache"
)

// PublishInvalidation implements cache.DistributedBackend. Events are
// JSON on a single channel; delivery is best-effort fan-out.
func (c *Client) PublishInvalidation(ctx context.Context, event cache.InvalidationEvent) error {
	if c.closed.Load() {
		return cache.ErrClosed
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return cache.NewSerializationError("marshal", err)
	}
	if err := c.client.Publish(ctx, c.config.Channel(), payload).Err(); err != nil {
		return wrapErr("publish", string(event.Kind), err)
	}
	return nil
}

// SubscribeInvalidations implements cache.DistributedBackend. It blocks
// delivering events to handler until ctx is cancelled. Malformed
// payloads are logged and skipped.
func (c *Client) SubscribeInvalidations(ctx context.Context, handler func(cache.InvalidationEvent)) error {
	if c.closed.Load() {
		return cache.ErrClosed
	}

	sub := c.client.Subscribe(ctx, c.config.Channel())
	defer sub.Close()

	// Fail fast when the subscription itself cannot be established.
	if _, err := sub.Receive(ctx); err != nil {
		return cache.NewConnectionError("subscribe", c.config.Address(), err)
	}

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event cache.InvalidationEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				c.logger.Warn().Err(err).Str("payload", msg.Payload).Msg("malformed invalidation event")
				continue
			}
			handler(event)
		case <-ctx.Done():
			return nil
		}
	}
}

// AcquireLock implements cache.DistributedBackend with SET NX and a
// random token. Locks are advisory and expire after ttl regardless of
// release.
func (c *Client) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if c.closed.Load() {
		return "", cache.ErrClosed
	}

	token := uuid.NewString()
	acquired, err := c.client.SetNX(ctx, c.lockKey(key), token, ttl).Result()
	if err != nil {
		return "", wrapErr("acquire_lock", key, err)
	}
	if !acquired {
		return "", cache.NewLockError(key)
	}
	return token, nil
}

// ReleaseLock implements cache.DistributedBackend. The Lua script
// releases only when token still owns the lock, so an expired-and-
// reacquired lock is never stolen back.
func (c *Client) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	if c.closed.Load() {
		return false, cache.ErrClosed
	}

	released, err := c.client.Eval(ctx, unlockScript, []string{c.lockKey(key)}, token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, wrapErr("release_lock", key, err)
	}
	return released == 1, nil
}
