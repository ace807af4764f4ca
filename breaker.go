package chatcore

import (
	"sync"
	"time"
)

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 60 * time.Second
)

// CircuitBreaker tracks consecutive failures for one upstream API.
// It opens after the failure threshold is reached and optimistically
// closes again once the recovery timeout has elapsed since the last
// failure (half-open probe). State is process-local and resets on
// restart.
type CircuitBreaker struct {
	mu              sync.Mutex
	threshold       int
	recoveryTimeout time.Duration
	failureCount    int
	lastFailure     time.Time
	open            bool
	now             func() time.Time
}

// BreakerStatus is the observable breaker state exposed on the health
// surface.
type BreakerStatus struct {
	IsOpen       bool `json:"is_open"`
	FailureCount int  `json:"failure_count"`
}

// NewCircuitBreaker creates a breaker. Non-positive arguments fall back
// to the defaults (threshold 5, recovery 60s).
func NewCircuitBreaker(threshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = defaultRecoveryTimeout
	}
	return &CircuitBreaker{
		threshold:       threshold,
		recoveryTimeout: recoveryTimeout,
		now:             time.Now,
	}
}

// RecordSuccess resets the failure count and closes the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.open = false
}

// RecordFailure increments the failure count and opens the breaker once
// the threshold is reached.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = b.now()

	if b.failureCount >= b.threshold {
		b.open = true
	}
}

// CanAttempt reports whether a request may be issued. An open breaker
// whose recovery timeout has elapsed resets to closed and allows the
// attempt.
func (b *CircuitBreaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}

	if !b.lastFailure.IsZero() && b.now().Sub(b.lastFailure) >= b.recoveryTimeout {
		b.open = false
		b.failureCount = 0
		return true
	}

	return false
}

// Status returns a snapshot of the breaker state.
func (b *CircuitBreaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerStatus{IsOpen: b.open, FailureCount: b.failureCount}
}

// BreakerSet holds one circuit breaker per upstream API name, created
// lazily on first use.
type BreakerSet struct {
	mu              sync.Mutex
	breakers        map[string]*CircuitBreaker
	threshold       int
	recoveryTimeout time.Duration
	now             func() time.Time
}

// NewBreakerSet creates a BreakerSet whose breakers use the given
// threshold and recovery timeout.
func NewBreakerSet(threshold int, recoveryTimeout time.Duration) *BreakerSet {
	return &BreakerSet{
		breakers:        make(map[string]*CircuitBreaker),
		threshold:       threshold,
		recoveryTimeout: recoveryTimeout,
		now:             time.Now,
	}
}

// Get returns the breaker for the given upstream API name.
func (s *BreakerSet) Get(name string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[name]
	if !ok {
		b = NewCircuitBreaker(s.threshold, s.recoveryTimeout)
		b.now = s.now
		s.breakers[name] = b
	}
	return b
}

// Status returns per-upstream breaker snapshots for monitoring.
func (s *BreakerSet) Status() map[string]BreakerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]BreakerStatus, len(s.breakers))
	for name, b := range s.breakers {
		out[name] = b.Status()
	}
	return out
}
