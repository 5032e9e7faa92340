package control

import (
	"sync"
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreaker guards a single backend. It opens after Threshold
// consecutive failures and lets one trial call through once Cooldown has
// passed. Safe for concurrent use.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration

	mu       sync.Mutex
	state    CircuitState
	streak   int
	openedAt time.Time
	cause    error
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		state:     CircuitClosed,
	}
}

func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allow reports whether a call may go out at now. An open breaker moves to
// half-open once the cooldown has elapsed.
func (c *CircuitBreaker) Allow(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CircuitOpen {
		return true
	}
	if now.Sub(c.openedAt) >= c.Cooldown {
		c.state = CircuitHalfOpen
		return true
	}
	return false
}

// RecordSuccess closes the breaker and clears the failure streak.
func (c *CircuitBreaker) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = CircuitClosed
	c.streak = 0
	c.cause = nil
}

// RecordFailure counts a failed call. A failed half-open trial reopens the
// breaker immediately.
func (c *CircuitBreaker) RecordFailure(cause error, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streak++
	c.cause = cause
	if c.state == CircuitHalfOpen || c.streak >= c.Threshold {
		c.state = CircuitOpen
		c.openedAt = now
	}
}

// LastFailure returns the streak length and the most recent failure cause.
func (c *CircuitBreaker) LastFailure() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streak, c.cause
}
