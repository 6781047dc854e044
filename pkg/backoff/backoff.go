// Package backoff computes delays between retries of a failing operation.
// Attempt numbers start at 1 for the first retry.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy returns the delay before the given retry attempt.
// Implementations must be safe for concurrent use.
type Strategy interface {
	NextInterval(attempt int) time.Duration
}

// Exponential grows the delay by Multiplier on every attempt, capped at
// MaxInterval, with optional ±JitterFactor randomisation.
type Exponential struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	JitterFactor    float64
}

// NextInterval returns min(Initial * Multiplier^(attempt-1) * (1 ± Jitter), Max).
func (e Exponential) NextInterval(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	initial := cmpOr(e.InitialInterval, time.Second)
	maxInterval := cmpOr(e.MaxInterval, 30*time.Second)
	multiplier := e.Multiplier
	if multiplier == 0 {
		multiplier = 2
	}

	interval := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if e.JitterFactor > 0 {
		interval *= 1 + (rand.Float64()*2-1)*e.JitterFactor
	}

	return min(time.Duration(interval), maxInterval)
}

// Linear returns Interval * attempt, capped at MaxInterval.
type Linear struct {
	Interval    time.Duration
	MaxInterval time.Duration
}

func (l Linear) NextInterval(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	interval := cmpOr(l.Interval, time.Second)
	return min(interval*time.Duration(attempt), cmpOr(l.MaxInterval, 30*time.Second))
}

// Fixed always waits Interval.
type Fixed struct {
	Interval time.Duration
}

func (f Fixed) NextInterval(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return f.Interval
}

// Renewal is the default schedule for failed subscription renewals: one
// hour, then four, capped at a day, with 10% jitter.
func Renewal(initial time.Duration) Strategy {
	return Exponential{
		InitialInterval: cmpOr(initial, time.Hour),
		MaxInterval:     24 * time.Hour,
		Multiplier:      4,
		JitterFactor:    0.1,
	}
}

// Contention spaces out retries of transactions that lost a conflict on a
// hot row: 5ms doubling to 250ms with 50% jitter so competing writers
// drift apart instead of colliding again.
func Contention() Strategy {
	return Exponential{
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
		Multiplier:      2,
		JitterFactor:    0.5,
	}
}

func cmpOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
