package cache

import "time"

// Default configuration values shared by production code and tests.
const (
	// DefaultTTL is the fresh duration applied to writes without an
	// explicit TTL.
	DefaultTTL = 5 * time.Minute

	// DefaultTTLJitter spreads expirations by up to 10%.
	DefaultTTLJitter = 0.1
)

// Test-specific durations. Used exclusively by test files to simulate
// timing behaviors without hardcoding magic numbers.
const (
	// TestSlowProducerDelay simulates a slow producer in coalescing
	// tests.
	TestSlowProducerDelay = 50 * time.Millisecond

	// TestShortTTL is a very short TTL for expiration tests.
	TestShortTTL = 100 * time.Millisecond

	// TestLongTTL is a TTL that never elapses during a test run.
	TestLongTTL = 10 * time.Minute
)
