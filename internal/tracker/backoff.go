package tracker

import "time"

// Backoff is the inter-cycle delay state: the k-th consecutive failure sleeps
// base*2^(k-1), capped at max. Any success resets it to base.
//
// The zero value is not usable; use NewBackoff.
type Backoff struct {
	base     time.Duration
	max      time.Duration
	failures int
	current  time.Duration
}

func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = DefaultPollInterval
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max, current: base}
}

// Success resets the failure streak and returns the base interval.
func (b *Backoff) Success() time.Duration {
	b.failures = 0
	b.current = b.base
	return b.current
}

// Failure records one more failing cycle and returns the delay to sleep.
func (b *Backoff) Failure() time.Duration {
	b.failures++
	d := b.base
	for i := 1; i < b.failures; i++ {
		d *= 2
		if d >= b.max {
			d = b.max
			break
		}
	}
	if d > b.max {
		d = b.max
	}
	b.current = d
	return d
}

func (b *Backoff) Failures() int           { return b.failures }
func (b *Backoff) Current() time.Duration { return b.current }
