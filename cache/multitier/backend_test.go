package multitier_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/setulabs/skp-cache/cache"
	"github.com/setulabs/skp-cache/cache/multitier"
	cachetesting "github.com/setulabs/skp-cache/cache/testing"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTiers(t *testing.T, mutate ...func(*multitier.Config)) (*multitier.Backend, *cachetesting.MockBackend, *cachetesting.MockBackend, *clock) {
	t.Helper()
	clk := newClock()
	l1 := cachetesting.NewMockBackend().WithClock(clk.Now)
	l2 := cachetesting.NewMockBackend().WithClock(clk.Now)

	cfg := multitier.DefaultConfig()
	cfg.Breaker = multitier.BreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  100 * time.Millisecond,
		SuccessThreshold: 1,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	b, err := multitier.New(l1, l2, cfg, multitier.WithClock(clk.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, l1, l2, clk
}

func TestNewValidation(t *testing.T) {
	l := cachetesting.NewMockBackend()

	_, err := multitier.New(nil, l, multitier.DefaultConfig())
	require.Error(t, err)

	cfg := multitier.DefaultConfig()
	cfg.Strategy = "write-sideways"
	_, err = multitier.New(l, l, cfg)
	var cfgErr *cache.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestWriteThroughWritesBothTiers(t *testing.T) {
	b, l1, l2, _ := newTiers(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", []byte("v"), &cache.Options{TTL: time.Minute}))
	assert.NotNil(t, l1.Entry("k"))
	assert.NotNil(t, l2.Entry("k"))

	// A failing tier fails the write; the other tier is not rolled back.
	boom := cache.NewBackendError("set", "k2", errors.New("io"))
	l2.FailSet(boom)
	err := b.Set(ctx, "k2", []byte("v"), nil)
	require.ErrorIs(t, err, boom)
	assert.NotNil(t, l1.Entry("k2"))
}

func TestReadPrefersL1(t *testing.T) {
	b, l1, l2, _ := newTiers(t)
	ctx := context.Background()

	require.NoError(t, l1.Set(ctx, "k", []byte("from-l1"), nil))
	require.NoError(t, l2.Set(ctx, "k", []byte("from-l2"), nil))

	entry, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("from-l1"), entry.Value)
	// L2 was never consulted.
	assert.Zero(t, l2.GetCalls.Load())
}

func TestReadPromotesL2Hit(t *testing.T) {
	b, l1, l2, clk := newTiers(t, func(c *multitier.Config) {
		c.L1TTL = time.Hour
	})
	ctx := context.Background()

	require.NoError(t, l2.Set(ctx, "k", []byte("v"), &cache.Options{
		TTL:  10 * time.Minute,
		Tags: []string{"users"},
	}))
	clk.Advance(4 * time.Minute)

	entry, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), entry.Value)

	// Promoted with TTL capped at the remaining L2 TTL (~6 minutes),
	// not the configured 1 hour.
	promoted := l1.Entry("k")
	require.NotNil(t, promoted)
	assert.LessOrEqual(t, promoted.TTL, 6*time.Minute)
	assert.Positive(t, promoted.TTL)
	assert.Equal(t, []string{"users"}, promoted.Tags)
}

func TestPromotionDisabled(t *testing.T) {
	b, l1, l2, _ := newTiers(t, func(c *multitier.Config) {
		c.PromoteOnHit = false
	})
	ctx := context.Background()

	require.NoError(t, l2.Set(ctx, "k", []byte("v"), nil))
	_, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, l1.Entry("k"))
}

func TestPromotionFailureDoesNotFailRead(t *testing.T) {
	b, l1, l2, _ := newTiers(t)
	ctx := context.Background()

	require.NoError(t, l2.Set(ctx, "k", []byte("v"), nil))
	l1.FailSet(cache.NewBackendError("set", "k", errors.New("full")))

	entry, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), entry.Value)
}

func TestWriteBehind(t *testing.T) {
	b, l1, l2, _ := newTiers(t, func(c *multitier.Config) {
		c.Strategy = multitier.WriteBehind
	})
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", []byte("v"), nil))
	assert.NotNil(t, l1.Entry("k"))

	// The L2 write happens asynchronously.
	require.Eventually(t, func() bool {
		return l2.Entry("k") != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWriteBehindL2FailureInvisible(t *testing.T) {
	b, l1, l2, _ := newTiers(t, func(c *multitier.Config) {
		c.Strategy = multitier.WriteBehind
	})
	l2.FailSet(cache.NewBackendError("set", "k", errors.New("down")))

	require.NoError(t, b.Set(context.Background(), "k", []byte("v"), nil))
	assert.NotNil(t, l1.Entry("k"))
}

func TestWriteAround(t *testing.T) {
	b, l1, l2, _ := newTiers(t, func(c *multitier.Config) {
		c.Strategy = multitier.WriteAround
	})
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", []byte("v"), nil))
	assert.Nil(t, l1.Entry("k"))
	assert.NotNil(t, l2.Entry("k"))

	// The next read populates L1 via promotion.
	_, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.NotNil(t, l1.Entry("k"))
}

func TestDeleteEitherTierCounts(t *testing.T) {
	b, l1, l2, _ := newTiers(t)
	ctx := context.Background()

	require.NoError(t, l1.Set(ctx, "only-l1", []byte("v"), nil))
	require.NoError(t, l2.Set(ctx, "only-l2", []byte("v"), nil))

	removed, err := b.Delete(ctx, "only-l1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = b.Delete(ctx, "only-l2")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = b.Delete(ctx, "neither")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestGetManyBackfillsL1(t *testing.T) {
	b, l1, l2, _ := newTiers(t)
	ctx := context.Background()

	require.NoError(t, l1.Set(ctx, "a", []byte("1"), nil))
	require.NoError(t, l2.Set(ctx, "b", []byte("2"), nil))

	entries, err := b.GetMany(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []byte("1"), entries[0].Value)
	assert.Equal(t, []byte("2"), entries[1].Value)
	assert.Nil(t, entries[2])

	assert.NotNil(t, l1.Entry("b"))
}

func TestCircuitBreakerDegradesL2ToMiss(t *testing.T) {
	b, _, l2, clk := newTiers(t)
	ctx := context.Background()
	boom := cache.NewBackendError("get", "k", errors.New("down"))
	l2.FailGet(boom)

	// Two failures trip the breaker.
	_, err := b.Get(ctx, "k")
	require.ErrorIs(t, err, boom)
	_, err = b.Get(ctx, "k")
	require.ErrorIs(t, err, boom)
	require.Equal(t, multitier.StateOpen, b.Breaker().State())

	// While open, no L2 call is issued and reads degrade to misses.
	before := l2.GetCalls.Load()
	_, err = b.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrNotFound)
	assert.Equal(t, before, l2.GetCalls.Load())

	// Writes fail fast while open.
	err = b.Set(ctx, "other", []byte("v"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, cache.ErrCircuitOpen)

	// After the recovery timeout a single probe goes through; its
	// success closes the circuit again.
	l2.FailGet(nil)
	require.NoError(t, l2.Set(ctx, "k", []byte("v"), nil))
	clk.Advance(time.Second)

	entry, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), entry.Value)
	assert.Equal(t, multitier.StateClosed, b.Breaker().State())
}

func TestCircuitBreakerNotFoundIsNotFailure(t *testing.T) {
	b, _, _, _ := newTiers(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := b.Get(ctx, "absent")
		assert.ErrorIs(t, err, cache.ErrNotFound)
	}
	assert.Equal(t, multitier.StateClosed, b.Breaker().State())
}

func TestTagInvalidationFansOut(t *testing.T) {
	b, l1, l2, _ := newTiers(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", []byte("v"), nil))
	require.NoError(t, b.RegisterTags(ctx, "k", []string{"users"}))

	count, err := b.InvalidateByTag(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Nil(t, l1.Entry("k"))
	assert.Nil(t, l2.Entry("k"))
}

func TestApplyInvalidationTouchesOnlyL1(t *testing.T) {
	b, l1, l2, _ := newTiers(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", []byte("v"), nil))
	b.ApplyInvalidation(ctx, cache.InvalidationEvent{Kind: cache.InvalidateKey, Value: "k"})

	assert.Nil(t, l1.Entry("k"))
	assert.NotNil(t, l2.Entry("k"))
}

func TestStatsMergesTiers(t *testing.T) {
	b, _, _, _ := newTiers(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", []byte("value"), nil))
	_, _ = b.Get(ctx, "k")

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Positive(t, stats.Hits)
	assert.Positive(t, stats.Entries)
}

func TestWriteThroughSurvivesSingleTierLoss(t *testing.T) {
	b, l1, l2, _ := newTiers(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", []byte("v"), &cache.Options{TTL: time.Hour}))

	// L1 lost the entry: the read falls through to L2.
	_, err := l1.Delete(ctx, "k")
	require.NoError(t, err)
	entry, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), entry.Value)

	// L2 lost it instead: L1 still serves (it was just re-promoted).
	_, err = l2.Delete(ctx, "k")
	require.NoError(t, err)
	entry, err = b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), entry.Value)
}
