package memory

import (
	"time"

	"github.com/setulabs/skp-cache/cache"
)

// Config holds memory backend tuning knobs.
type Config struct {
	// Shards is the number of independent segments the key space is
	// split across. Must be a power of two. Default 16.
	Shards int `koanf:"shards"`

	// MaxEntries caps the total entry count (0 = unlimited). When a
	// shard is full an expired entry in it is evicted, or else its least
	// recently accessed entry.
	MaxEntries int `koanf:"max_entries"`

	// CleanupInterval is how often the janitor sweeps expired entries.
	// Zero disables the background sweep; expired entries are then only
	// dropped lazily on access.
	CleanupInterval time.Duration `koanf:"cleanup_interval"`

	// BloomCapacity sizes the absent-key bloom filter (expected number
	// of distinct keys). Zero disables the filter.
	BloomCapacity uint `koanf:"bloom_capacity"`

	// BloomFPRate is the filter's target false-positive rate.
	BloomFPRate float64 `koanf:"bloom_fp_rate"`
}

// DefaultConfig returns 16 shards, 10k entries, a 1 minute janitor sweep
// and a bloom filter sized for the entry cap.
func DefaultConfig() Config {
	return Config{
		Shards:          16,
		MaxEntries:      10_000,
		CleanupInterval: time.Minute,
		BloomCapacity:   10_000,
		BloomFPRate:     0.01,
	}
}

// Validate performs fail-fast validation.
func (c *Config) Validate() error {
	if c.Shards <= 0 || c.Shards&(c.Shards-1) != 0 {
		return cache.NewConfigError("memory.shards", "must be a positive power of two", nil)
	}
	if c.MaxEntries < 0 {
		return cache.NewConfigError("memory.max_entries", "cannot be negative", nil)
	}
	if c.BloomFPRate < 0 || c.BloomFPRate >= 1 {
		return cache.NewConfigError("memory.bloom_fp_rate", "must be in [0,1)", nil)
	}
	return nil
}
