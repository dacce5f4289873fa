package lifecycle

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays as min(Base * 2^(attempt-1), Ceiling).
type Backoff struct {
	Base    time.Duration
	Ceiling time.Duration
	// Jitter applies full jitter: the delay is drawn uniformly from [0, d].
	Jitter bool
	// Rand returns a value in [0, 1); defaults to math/rand/v2.
	Rand func() float64
}

// Delay returns the wait before attempt number attempt (1-based). Attempt 0
// or less is immediate.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 || b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Ceiling > 0 && d >= b.Ceiling {
			d = b.Ceiling
			break
		}
	}
	if b.Ceiling > 0 && d > b.Ceiling {
		d = b.Ceiling
	}
	if b.Jitter {
		r := rand.Float64
		if b.Rand != nil {
			r = b.Rand
		}
		d = time.Duration(r() * float64(d))
	}
	return d
}

// Next returns the earliest time attempt may run, measured from now.
func (b Backoff) Next(now time.Time, attempt int) time.Time {
	return now.Add(b.Delay(attempt))
}

// Window is the longest time a client can keep retrying one submission:
// the sum of every delay without jitter for maxAttempts attempts.
func (b Backoff) Window(maxAttempts int) time.Duration {
	nb := b
	nb.Jitter = false
	var total time.Duration
	for i := 1; i <= maxAttempts; i++ {
		total += nb.Delay(i)
	}
	return total
}
