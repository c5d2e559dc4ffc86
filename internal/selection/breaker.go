// Package selection decides which providers may be tried for a CAPTCHA type and in
// which order.
package selection

import (
	"sync"
	"time"
)

// DefaultFailureThreshold is the consecutive-failure count that opens a breaker.
const DefaultFailureThreshold = 5

// CircuitBreaker tracks the failure streak of one provider. It is open exactly when
// the streak has reached the threshold; any success closes it.
//
// With a positive probe interval an open breaker grants one trial attempt per
// interval. A zero interval leaves an open breaker closed only by a recorded success
// or Reset.
type CircuitBreaker struct {
	id            string
	threshold     int
	probeInterval time.Duration
	now           func() time.Time

	mu        sync.Mutex
	failures  int
	openedAt  time.Time
	lastProbe time.Time
}

// BreakerStats is a point-in-time copy of a breaker.
type BreakerStats struct {
	ID                  string    `json:"id"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Open                bool      `json:"open"`
	OpenedAt            time.Time `json:"openedAt,omitzero"`
	ProbeDue            bool      `json:"probeDue"`
}

func newCircuitBreaker(id string, threshold int, probeInterval time.Duration, now func() time.Time) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &CircuitBreaker{id: id, threshold: threshold, probeInterval: probeInterval, now: now}
}

// ID returns the provider id this breaker guards.
func (b *CircuitBreaker) ID() string { return b.id }

// RecordFailure extends the failure streak.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures == b.threshold {
		b.openedAt = b.now()
	}
}

// RecordSuccess closes the breaker and clears the streak.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openedAt = time.Time{}
	b.lastProbe = time.Time{}
}

// Reset is an operator-initiated close.
func (b *CircuitBreaker) Reset() { b.RecordSuccess() }

// IsOpen reports whether the streak has reached the threshold.
func (b *CircuitBreaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures >= b.threshold
}

// ConsecutiveFailures returns the current streak.
func (b *CircuitBreaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// ProbeDue reports whether an open breaker's probe window has elapsed. It has no
// side effects.
func (b *CircuitBreaker) ProbeDue() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.probeDueLocked()
}

func (b *CircuitBreaker) probeDueLocked() bool {
	if b.probeInterval <= 0 || b.failures < b.threshold {
		return false
	}
	since := b.openedAt
	if b.lastProbe.After(since) {
		since = b.lastProbe
	}
	return b.now().Sub(since) >= b.probeInterval
}

// TryProbe claims the trial attempt for the current window. Only one caller per
// window gets true.
func (b *CircuitBreaker) TryProbe() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.probeDueLocked() {
		return false
	}
	b.lastProbe = b.now()
	return true
}

// Stats copies the breaker state.
func (b *CircuitBreaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		ID:                  b.id,
		ConsecutiveFailures: b.failures,
		Open:                b.failures >= b.threshold,
		OpenedAt:            b.openedAt,
		ProbeDue:            b.probeDueLocked(),
	}
}
