// Package retry provides retry middleware with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"patchpilot/pkg/agent/llmerrors"
	"patchpilot/pkg/agent/middleware/resilience/circuit"
)

// Config defines retry behavior.
type Config struct {
	MaxAttempts   int           `json:"max_attempts"`   // Including the initial attempt
	InitialDelay  time.Duration `json:"initial_delay"`  // Delay before the first retry
	MaxDelay      time.Duration `json:"max_delay"`      // Cap between retries
	BackoffFactor float64       `json:"backoff_factor"` // Multiplier per attempt
	Jitter        bool          `json:"jitter"`         // +/-10% randomization
}

// DefaultConfig provides reasonable defaults.
//
//nolint:gochecknoglobals // default config
var DefaultConfig = Config{
	MaxAttempts:   3,
	InitialDelay:  time.Second,
	MaxDelay:      30 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Classifier determines if an error should be retried.
type Classifier func(error) bool

// ShouldRetry is the default classifier: cancellation and open circuits are
// never retried; everything else follows the llmerrors classification.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var circuitErr *circuit.Error
	if errors.As(err, &circuitErr) {
		return false
	}
	return llmerrors.Classify(err, 0).IsRetryable()
}

// Policy encapsulates retry configuration and logic.
type Policy struct {
	Classifier Classifier
	Config     Config
}

// NewPolicy creates a policy; a nil classifier means ShouldRetry.
func NewPolicy(config Config, classifier Classifier) *Policy {
	if classifier == nil {
		classifier = ShouldRetry
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &Policy{Config: config, Classifier: classifier}
}

// CalculateDelay computes the wait before the given (1-based) attempt.
func (p *Policy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := time.Duration(float64(p.Config.InitialDelay) * math.Pow(p.Config.BackoffFactor, float64(attempt-2)))
	if delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}
	if p.Config.Jitter && delay > 0 {
		spread := float64(delay) * 0.1
		delay += time.Duration((rand.Float64()*2 - 1) * spread) //nolint:gosec // jitter, not crypto
	}
	return delay
}

func (p *Policy) ShouldRetry(err error) bool {
	return p.Classifier(err)
}
