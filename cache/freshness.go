package cache

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// DefaultEarlyRefreshBeta is the default β for the probabilistic early
// refresh formula. Higher values refresh earlier.
const DefaultEarlyRefreshBeta = 1.0

// classify maps an entry observed at now to its lookup status.
// A nil entry is a miss. A negative sentinel inside its usable window is a
// NegativeHit; past the window it is a plain miss like any other entry.
func classify(e *Entry, now time.Time) Status {
	if e == nil || !e.IsUsable(now) {
		return StatusMiss
	}
	if e.Negative {
		return StatusNegative
	}
	if e.IsStale(now) {
		return StatusStale
	}
	return StatusHit
}

// shouldRefreshEarly samples the X-Fetch decision for a fresh entry.
// With u a uniform variate in (0,1], the entry is flagged for early
// refresh iff
//
//	remaining < ttl · u · β · |ln u|
//
// The probability rises smoothly as remaining approaches zero and is zero
// for a just-written entry. Callers treat a flagged entry as stale for
// scheduling while still returning the fresh value.
func shouldRefreshEarly(ttl, remaining time.Duration, beta, u float64) bool {
	if ttl <= 0 || beta <= 0 || u <= 0 || u > 1 {
		return false
	}
	threshold := ttl.Seconds() * u * beta * math.Abs(math.Log(u))
	return remaining.Seconds() < threshold
}

// jitteredTTL spreads expirations by extending ttl with a random fraction:
// ttl + u·ttl·jitter, u ∈ [0,1). Applied once per write, after defaults.
func jitteredTTL(ttl time.Duration, jitter, u float64) time.Duration {
	if ttl <= 0 || jitter <= 0 {
		return ttl
	}
	if jitter > 1 {
		jitter = 1
	}
	return ttl + time.Duration(u*jitter*float64(ttl))
}

// lockedRand is a mutex-guarded rand.Rand. The manager samples jitter and
// early-refresh variates from potentially many goroutines; rand.Rand
// itself is not safe for concurrent use.
type lockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func newLockedRand(seed int64) *lockedRand {
	return &lockedRand{rnd: rand.New(rand.NewSource(seed))}
}

// Float64 returns a uniform variate in [0,1).
func (r *lockedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Float64()
}

// OpenUnit returns a uniform variate in (0,1], as required by the
// early-refresh logarithm.
func (r *lockedRand) OpenUnit() float64 {
	return 1 - r.Float64()
}
