// Package circuit stops calling a failing model provider for a cool-down
// period after repeated failures.
package circuit

import (
	"fmt"
	"sync"
	"time"
)

// State of a breaker.
type State int

const (
	Closed   State = iota // calls flow
	Open                  // calls rejected
	HalfOpen              // probing after the cool-down
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

type Config struct {
	FailureThreshold int           `json:"failure_threshold"` // consecutive failures that open the circuit
	SuccessThreshold int           `json:"success_threshold"` // half-open successes that close it
	Timeout          time.Duration `json:"timeout"`           // cool-down before half-open
}

//nolint:gochecknoglobals // default config
var DefaultConfig = Config{
	FailureThreshold: 5,
	SuccessThreshold: 1,
	Timeout:          30 * time.Second,
}

// Error is returned instead of calling the provider while the circuit is open.
type Error struct {
	State State
}

func (e *Error) Error() string {
	return fmt.Sprintf("circuit breaker is %s", e.State)
}

// Breaker tracks call outcomes.
type Breaker struct {
	openedAt  time.Time
	now       func() time.Time
	config    Config
	mu        sync.Mutex
	state     State
	failures  int
	successes int
}

// New creates a closed breaker.
func New(config Config) *Breaker {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold < 1 {
		config.SuccessThreshold = 1
	}
	return &Breaker{config: config, now: time.Now}
}

// Allow reports whether a call may proceed, moving Open to HalfOpen once
// the cool-down has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open {
		if b.now().Sub(b.openedAt) < b.config.Timeout {
			return false
		}
		b.state = HalfOpen
		b.successes = 0
	}
	return true
}

// Record registers a call outcome.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.failures = 0
		if b.state == HalfOpen {
			b.successes++
			if b.successes >= b.config.SuccessThreshold {
				b.state = Closed
				b.successes = 0
			}
		}
		return
	}

	b.failures++
	if b.state == HalfOpen || b.failures >= b.config.FailureThreshold {
		b.state = Open
		b.openedAt = b.now()
		b.successes = 0
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the circuit.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.successes = 0
}
