package resilience

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential retry delays with jitter.
type Backoff struct {
	// Initial is the base delay before the first retry. Default: 500ms.
	Initial time.Duration

	// Max caps the computed delay. Default: 30s.
	Max time.Duration

	// Multiplier scales the delay after each attempt. Default: 2.0.
	Multiplier float64

	// JitterFraction adds random jitter as a fraction of the computed delay
	// (0.0 = no jitter, 0.5 = ±50%).
	JitterFraction float64
}

// DefaultBackoff returns a sensible backoff configuration for API calls.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:        500 * time.Millisecond,
		Max:            30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// Delay returns the wait before the next try after the given attempt failed.
// Attempt is 1-based: attempt 1 waits roughly Initial, attempt 2 roughly
// Initial×Multiplier, and so on, capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	// Apply jitter: ±JitterFraction of delay.
	if b.JitterFraction > 0 {
		jitterRange := delay * b.JitterFraction
		jitter := (rand.Float64()*2 - 1) * jitterRange // [-jitterRange, +jitterRange]
		delay += jitter
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// DelayAtLeast is Delay with a floor. A server that names its own hold-off
// (Retry-After) is honored as given, even past Max.
func (b Backoff) DelayAtLeast(attempt int, floor time.Duration) time.Duration {
	d := b.Delay(attempt)
	if floor > d {
		return floor
	}
	return d
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = 500 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}
	if b.Multiplier <= 0 {
		b.Multiplier = 2.0
	}
	if b.JitterFraction < 0 {
		b.JitterFraction = 0
	}
	return b
}
