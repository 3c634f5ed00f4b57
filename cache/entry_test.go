package cache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/setulabs/skp-cache/cache"
)

func TestNewEntryDefaults(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	e := cache.NewEntry([]byte("value"), now)

	assert.Equal(t, []byte("value"), e.Value)
	assert.Equal(t, 5, e.Size)
	assert.Equal(t, uint64(1), e.Cost)
	assert.Zero(t, e.AccessCount)
	assert.True(t, e.CreatedAt.Equal(e.LastAccessed))
	assert.False(t, e.IsExpired(now.Add(1000*time.Hour)))
}

func TestEntryTouch(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	e := cache.NewEntry(nil, now)

	later := now.Add(time.Minute)
	e.Touch(later)
	e.Touch(later.Add(time.Second))

	assert.Equal(t, uint64(2), e.AccessCount)
	assert.True(t, e.LastAccessed.After(e.CreatedAt))
}

func TestEntryTTLRemaining(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	e := cache.NewEntry(nil, now)
	e.TTL = time.Minute

	assert.Equal(t, time.Minute, e.TTLRemaining(now))
	assert.Equal(t, 30*time.Second, e.TTLRemaining(now.Add(30*time.Second)))
	assert.Zero(t, e.TTLRemaining(now.Add(2*time.Minute)))

	e.TTL = 0
	assert.Zero(t, e.TTLRemaining(now))
}

func TestEntryAgeClampedAtZero(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	e := cache.NewEntry(nil, now)

	// A reader with a slightly earlier clock must not see a negative age.
	assert.Zero(t, e.Age(now.Add(-time.Second)))
}

func TestOptionsBuilder(t *testing.T) {
	v := uint64(3)
	opts := cache.ApplyOptions(
		cache.WithTTL(time.Minute),
		cache.WithSWR(30*time.Second),
		cache.WithTags("a", "b"),
		cache.WithTags("c"),
		cache.DependsOn("parent"),
		cache.WithCost(9),
		cache.WithEarlyRefresh(),
		cache.WithCoalescing(),
		cache.WithETag("etag"),
		cache.AsNegative(),
		cache.IfVersion(v),
	)

	assert.Equal(t, time.Minute, opts.TTL)
	assert.Equal(t, 30*time.Second, opts.SWR)
	assert.Equal(t, []string{"a", "b", "c"}, opts.Tags)
	assert.Equal(t, []string{"parent"}, opts.Dependencies)
	assert.Equal(t, uint64(9), opts.Cost)
	assert.True(t, opts.EarlyRefresh)
	assert.True(t, opts.Coalesce)
	assert.Equal(t, "etag", opts.ETag)
	assert.True(t, opts.Negative)
	require.NotNil(t, opts.IfVersion)
	assert.Equal(t, v, *opts.IfVersion)
}

func TestOptionsDefaults(t *testing.T) {
	opts := cache.ApplyOptions()
	assert.Zero(t, opts.TTL)
	assert.Equal(t, uint64(1), opts.Cost)
	assert.Nil(t, opts.IfVersion)
}

func TestOptionsCloneIsDeep(t *testing.T) {
	original := cache.ApplyOptions(cache.WithTags("a"), cache.DependsOn("p"), cache.IfVersion(1))
	clone := original.Clone()

	clone.Tags[0] = "mutated"
	*clone.IfVersion = 99
	clone.Dependencies = append(clone.Dependencies, "q")

	assert.Equal(t, []string{"a"}, original.Tags)
	assert.Equal(t, uint64(1), *original.IfVersion)
	assert.Equal(t, []string{"p"}, original.Dependencies)

	var nilOpts *cache.Options
	assert.NotNil(t, nilOpts.Clone())
}

func TestResultAccessors(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	raw := cache.NewEntry([]byte("x"), now)

	hit := cache.Hit(&cache.TypedEntry[string]{Value: "v", CreatedAt: raw.CreatedAt})
	assert.True(t, hit.IsHit())
	assert.True(t, hit.IsUsable())
	assert.False(t, hit.IsStale())
	value, ok := hit.Value()
	assert.True(t, ok)
	assert.Equal(t, "v", value)

	stale := cache.Stale(&cache.TypedEntry[string]{Value: "v"})
	assert.True(t, stale.IsStale())
	assert.True(t, stale.IsUsable())

	miss := cache.Miss[string]()
	assert.True(t, miss.IsMiss())
	assert.False(t, miss.IsUsable())
	_, ok = miss.Value()
	assert.False(t, ok)
	_, ok = miss.Entry()
	assert.False(t, ok)

	negative := cache.NegativeHit[string]()
	assert.True(t, negative.IsNegative())
	assert.False(t, negative.IsUsable())

	assert.Equal(t, "hit", cache.StatusHit.String())
	assert.Equal(t, "stale", cache.StatusStale.String())
	assert.Equal(t, "miss", cache.StatusMiss.String())
	assert.Equal(t, "negative", cache.StatusNegative.String())
}
