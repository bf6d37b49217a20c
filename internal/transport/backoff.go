package transport

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy defines the reconnect delay schedule for a dropped link.
type BackoffPolicy struct {
	InitialBackoff time.Duration // Delay before the first retry
	MaxBackoff     time.Duration // Maximum delay between retries
	BackoffFactor  float64       // Multiplier for exponential backoff
	JitterFactor   float64       // Random jitter factor (0.0 to 1.0)
}

// DefaultBackoffPolicy returns a sensible default reconnect policy
func DefaultBackoffPolicy() *BackoffPolicy {
	return &BackoffPolicy{
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.1,
	}
}

// Delay calculates the backoff duration for a given attempt number
func (p *BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return p.InitialBackoff
	}

	// Exponential backoff: initial * factor^attempt
	backoff := float64(p.InitialBackoff) * math.Pow(p.BackoffFactor, float64(attempt))

	// Cap at max backoff
	if backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}

	// Add jitter
	if p.JitterFactor > 0 {
		jitter := backoff * p.JitterFactor * (rand.Float64()*2 - 1) // -jitter to +jitter
		backoff += jitter
	}

	// Ensure non-negative
	if backoff < 0 {
		backoff = float64(p.InitialBackoff)
	}

	return time.Duration(backoff)
}
