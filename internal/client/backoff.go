package client

import (
	"math/rand/v2"
	"time"
)

// Backoff computes exponentially increasing sleep durations with
// jitter, the same base/cap/jitter shape the configuration surface
// exposes for client_backoff.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
}

func (b Backoff) defaults() Backoff {
	if b.Base <= 0 {
		b.Base = 50 * time.Millisecond
	}
	if b.Cap <= 0 {
		b.Cap = 5 * time.Second
	}
	if b.Jitter <= 0 {
		b.Jitter = 0.2
	}
	return b
}

// Duration returns the delay before retry attempt n (0-indexed).
func (b Backoff) Duration(attempt int) time.Duration {
	b = b.defaults()
	d := b.Base << attempt // attempt grows unbounded but is clamped below
	if d <= 0 || d > b.Cap {
		d = b.Cap
	}
	jitterRange := float64(d) * b.Jitter
	delta := (rand.Float64()*2 - 1) * jitterRange
	result := time.Duration(float64(d) + delta)
	if result < 0 {
		result = 0
	}
	return result
}
