// Package retry computes the delay before each reconnect attempt.
//
// A Policy does not run anything itself: callers arm their own timer
// with [Policy.Delay] so that the pending attempt stays cancellable
// from outside the retry loop.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes the delay between reconnect attempts.
type Policy struct {
	// InitialDelay is the delay before the first retry (default 5s).
	InitialDelay time.Duration
	// MaxDelay caps the delay.  Zero means no cap.
	MaxDelay time.Duration
	// Multiplier scales the delay after every attempt.  Values ≤ 1
	// give a fixed delay.
	Multiplier float64
	// Jitter adds ±25% randomisation to prevent thundering herd.
	Jitter bool
}

// DefaultDelay is the reconnect delay used when none is configured.
const DefaultDelay = 5 * time.Second

// Fixed returns a policy that always waits d.  A non-positive d falls
// back to [DefaultDelay].
func Fixed(d time.Duration) *Policy {
	if d <= 0 {
		d = DefaultDelay
	}
	return &Policy{InitialDelay: d, Multiplier: 1}
}

// Delay returns how long to wait before the given 1-based attempt.
// A nil Policy behaves like Fixed(DefaultDelay).
func (p *Policy) Delay(attempt int) time.Duration {
	if p == nil {
		return DefaultDelay
	}
	delay := p.InitialDelay
	if delay <= 0 {
		delay = DefaultDelay
	}
	if attempt < 1 {
		attempt = 1
	}

	if p.Multiplier > 1 {
		scaled := float64(delay) * math.Pow(p.Multiplier, float64(attempt-1))
		if p.MaxDelay > 0 && scaled > float64(p.MaxDelay) {
			scaled = float64(p.MaxDelay)
		}
		// Guard against overflow for very large attempt counts.
		if scaled > float64(math.MaxInt64) {
			scaled = float64(math.MaxInt64)
		}
		delay = time.Duration(scaled)
	} else if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter {
		delay = addJitter(delay)
	}
	return delay
}

// addJitter adds ±25% randomisation to a duration.
func addJitter(d time.Duration) time.Duration {
	quarter := float64(d) * 0.25
	delta := (rand.Float64() * 2 * quarter) - quarter
	result := float64(d) + delta
	return time.Duration(math.Max(result, float64(time.Millisecond)))
}
