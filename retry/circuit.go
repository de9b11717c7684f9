package retry

import (
	"errors"
	"log"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker is cooling down.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitBreaker stops calling a repeatedly-failing dependency. After
// maxFailures consecutive failures it rejects calls for the cool-down window,
// then lets a single probe through before fully reopening.
type CircuitBreaker struct {
	mu sync.Mutex

	name        string
	maxFailures int
	cooldown    time.Duration

	failures  int
	tripped   bool
	trippedAt time.Time
	probing   bool
}

// NewCircuitBreaker creates a breaker with the given consecutive-failure
// threshold and cool-down window.
func NewCircuitBreaker(name string, maxFailures int, cooldown time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		name:        name,
		maxFailures: maxFailures,
		cooldown:    cooldown,
	}
}

// Allow reports whether a call may proceed. During cool-down it admits exactly
// one probe once the window has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.tripped {
		return true
	}
	if time.Since(cb.trippedAt) < cb.cooldown {
		return false
	}
	if cb.probing {
		return false
	}
	cb.probing = true
	return true
}

// Record reports a call outcome back to the breaker.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		if cb.tripped {
			log.Printf("[circuit] %s closed after successful probe", cb.name)
		}
		cb.failures = 0
		cb.tripped = false
		cb.probing = false
		return
	}

	if cb.tripped {
		// Probe failed; restart the cool-down.
		cb.trippedAt = time.Now()
		cb.probing = false
		return
	}

	cb.failures++
	if cb.failures >= cb.maxFailures {
		cb.tripped = true
		cb.trippedAt = time.Now()
		cb.probing = false
		log.Printf("[circuit] %s opened after %d consecutive failures (cooldown %s)",
			cb.name, cb.failures, cb.cooldown)
	}
}

// Call wraps fn with the breaker.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.Record(err)
	return err
}

// IsOpen reports whether the breaker is currently rejecting calls.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.tripped && time.Since(cb.trippedAt) < cb.cooldown
}
