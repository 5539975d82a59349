package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/addonrt/model"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows all requests through. Failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects all requests immediately.
	BreakerOpen
	// BreakerHalfOpen lets one probe request through at a time.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// minErrorRateSamples is the minimum number of requests in a window before
// the error rate threshold is evaluated.
const minErrorRateSamples = 10

// BreakerConfig holds circuit breaker thresholds. Zero values take defaults.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failures that trip Closed to Open.
	FailureThreshold int
	// SuccessThreshold is the consecutive HalfOpen successes that close it.
	SuccessThreshold int
	// Timeout is how long the breaker stays Open before probing.
	Timeout time.Duration
	// ErrorRateThreshold (0.0-1.0) trips on the windowed error rate; 0 disables.
	ErrorRateThreshold float64
	// ErrorRateWindow is the tumbling window for the error rate; 0 disables.
	ErrorRateWindow time.Duration
}

// CircuitBreaker protects one integration's remote service. It trips on
// consecutive failures or on the error rate within a tumbling window and is
// safe for concurrent use. A probe that never reports back frees its slot
// after Timeout.
type CircuitBreaker struct {
	mu          sync.Mutex
	cfg         BreakerConfig
	state       BreakerState
	failures    int
	successes   int
	openedAt    time.Time
	probing     bool
	probeSentAt time.Time
	now         func() time.Time

	windowStart    time.Time
	windowTotal    int
	windowFailures int
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cb := &CircuitBreaker{cfg: cfg, state: BreakerClosed, now: time.Now}
	cb.windowStart = cb.now()
	return cb
}

// Allow returns nil if a request may proceed. While open, and while a
// half-open probe is in flight, it returns PROVIDER_UNAVAILABLE.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.advance(now)
	switch cb.state {
	case BreakerOpen:
		wait := cb.cfg.Timeout - now.Sub(cb.openedAt)
		return model.NewError(model.ErrProviderUnavailable,
			fmt.Sprintf("circuit breaker is open, retry in %s", wait.Round(time.Millisecond)))
	case BreakerHalfOpen:
		if cb.probing && now.Sub(cb.probeSentAt) <= cb.cfg.Timeout {
			return model.NewError(model.ErrProviderUnavailable, "circuit breaker is probing")
		}
		cb.probing = true
		cb.probeSentAt = now
	}
	return nil
}

// advance moves an expired open breaker to half-open. Lock must be held.
func (cb *CircuitBreaker) advance(now time.Time) {
	if cb.state == BreakerOpen && now.Sub(cb.openedAt) > cb.cfg.Timeout {
		cb.state = BreakerHalfOpen
		cb.successes = 0
		cb.probing = false
	}
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
		cb.recordWindowCall(false)
	case BreakerHalfOpen:
		cb.probing = false
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.state = BreakerClosed
			cb.failures = 0
			cb.successes = 0
			cb.resetWindow()
		}
	}
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures++
		cb.recordWindowCall(true)
		if cb.failures >= cb.cfg.FailureThreshold || cb.errorRateExceeded() {
			cb.trip()
		}
	case BreakerHalfOpen:
		cb.trip()
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance(cb.now())
	return cb.state
}

// ErrorRate returns the current error rate and total requests in the window.
func (cb *CircuitBreaker) ErrorRate() (rate float64, total int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeResetWindow()
	if cb.windowTotal == 0 {
		return 0, 0
	}
	return float64(cb.windowFailures) / float64(cb.windowTotal), cb.windowTotal
}

func (cb *CircuitBreaker) trip() {
	cb.state = BreakerOpen
	cb.openedAt = cb.now()
	cb.successes = 0
	cb.probing = false
	cb.resetWindow()
}

// recordWindowCall must be called with the lock held.
func (cb *CircuitBreaker) recordWindowCall(isFailure bool) {
	if cb.cfg.ErrorRateWindow <= 0 {
		return
	}
	cb.maybeResetWindow()
	cb.windowTotal++
	if isFailure {
		cb.windowFailures++
	}
}

// maybeResetWindow must be called with the lock held.
func (cb *CircuitBreaker) maybeResetWindow() {
	if cb.cfg.ErrorRateWindow <= 0 {
		return
	}
	if cb.now().Sub(cb.windowStart) > cb.cfg.ErrorRateWindow {
		cb.resetWindow()
	}
}

func (cb *CircuitBreaker) resetWindow() {
	cb.windowStart = cb.now()
	cb.windowTotal = 0
	cb.windowFailures = 0
}

// errorRateExceeded must be called with the lock held.
func (cb *CircuitBreaker) errorRateExceeded() bool {
	if cb.cfg.ErrorRateThreshold <= 0 || cb.cfg.ErrorRateWindow <= 0 {
		return false
	}
	if cb.windowTotal < minErrorRateSamples {
		return false
	}
	rate := float64(cb.windowFailures) / float64(cb.windowTotal)
	return rate >= cb.cfg.ErrorRateThreshold
}
