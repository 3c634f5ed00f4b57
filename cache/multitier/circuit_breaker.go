package multitier

import (
	"sync/atomic"
	"time"
)

// State is the circuit breaker state.
type State int32

// Circuit breaker states.
const (
	// StateClosed allows all L2 traffic.
	StateClosed State = iota
	// StateOpen rejects all L2 traffic until the recovery timeout.
	StateOpen
	// StateHalfOpen allows a single probe at a time.
	StateHalfOpen
)

// String returns the state as a log label.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig tunes the L2 circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is how many consecutive failures open the circuit.
	FailureThreshold int32 `koanf:"failure_threshold"`
	// RecoveryTimeout is how long the circuit stays open after the last
	// failure before allowing a probe.
	RecoveryTimeout time.Duration `koanf:"recovery_timeout"`
	// SuccessThreshold is how many consecutive probe successes close the
	// circuit again.
	SuccessThreshold int32 `koanf:"success_threshold"`
}

// DefaultBreakerConfig trips after 5 failures, waits 30s and closes after
// 2 good probes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}
}

// CircuitBreaker is a three-state gate over the L2 tier. State, counters
// and the failure timestamp are lock-free atomics; transitions use
// compare-and-swap so a probe and a recovery cannot race into an
// inconsistent state.
type CircuitBreaker struct {
	config BreakerConfig
	now    func() time.Time

	state       atomic.Int32
	failures    atomic.Int32
	successes   atomic.Int32
	probing     atomic.Bool
	lastFailure atomic.Int64 // unix nanos
}

// NewCircuitBreaker creates a breaker in the Closed state.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = DefaultBreakerConfig().RecoveryTimeout
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultBreakerConfig().SuccessThreshold
	}
	return &CircuitBreaker{config: config, now: time.Now}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	return State(cb.state.Load())
}

// Allow reports whether an L2 operation may be issued now. In HalfOpen
// only one probe is admitted at a time; the probe slot is released by
// RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	switch cb.State() {
	case StateClosed:
		return true
	case StateOpen:
		elapsed := cb.now().UnixNano() - cb.lastFailure.Load()
		if elapsed < cb.config.RecoveryTimeout.Nanoseconds() {
			return false
		}
		// Recovery window elapsed; the CAS winner becomes the probe.
		if cb.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
			cb.successes.Store(0)
			cb.probing.Store(true)
			return true
		}
		return false
	default: // HalfOpen
		return cb.probing.CompareAndSwap(false, true)
	}
}

// RecordSuccess reports a successful L2 operation.
func (cb *CircuitBreaker) RecordSuccess() {
	switch cb.State() {
	case StateHalfOpen:
		cb.probing.Store(false)
		if cb.successes.Add(1) >= cb.config.SuccessThreshold {
			if cb.state.CompareAndSwap(int32(StateHalfOpen), int32(StateClosed)) {
				cb.failures.Store(0)
			}
		}
	case StateClosed:
		cb.failures.Store(0)
	default:
	}
}

// RecordFailure reports a failed L2 operation.
func (cb *CircuitBreaker) RecordFailure() {
	cb.lastFailure.Store(cb.now().UnixNano())
	switch cb.State() {
	case StateClosed:
		if cb.failures.Add(1) >= cb.config.FailureThreshold {
			cb.state.CompareAndSwap(int32(StateClosed), int32(StateOpen))
		}
	case StateHalfOpen:
		cb.probing.Store(false)
		cb.state.CompareAndSwap(int32(StateHalfOpen), int32(StateOpen))
	default:
	}
}
