package core

import (
	"fmt"
	"sync"
)

// Limiter enforces a maximum number of iterations (model turns, delegation
// turns, loop passes) for one bounded loop.
type Limiter struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewLimiter creates a new limiter with a max number of iterations.
// If max == 0, unlimited iterations are allowed.
func NewLimiter(max int) *Limiter {
	return &Limiter{max: max}
}

// Increment increases the counter and returns an error if the limit is exceeded.
func (l *Limiter) Increment() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.count++
	if l.max > 0 && l.count > l.max {
		return fmt.Errorf("exceeded max iterations: %d", l.max)
	}

	return nil
}

// Allow increments the counter and reports whether the iteration may run.
func (l *Limiter) Allow() bool {
	return l.Increment() == nil
}

// Count returns the current number of iterations recorded.
func (l *Limiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.count
}

// Remaining returns how many iterations are left before hitting the limit.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max == 0 {
		return -1 // unlimited
	}

	return l.max - l.count
}
