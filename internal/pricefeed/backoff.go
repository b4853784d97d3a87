package pricefeed

import "time"

// Backoff computes exponential reconnect delays. It is a value type with no
// transport knowledge: callers track the attempt counter and reset it to zero
// on a successful connection.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// DefaultBackoff provides conservative reconnect defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial: time.Second,
		Max:     30 * time.Second,
		Factor:  2.0,
	}
}

// Next returns the delay for the given attempt (0-based): Initial for the
// first attempt, multiplied by Factor for each subsequent one, capped at Max.
func (b Backoff) Next(attempt int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = time.Second
	}
	max := b.Max
	if max <= 0 {
		max = 30 * time.Second
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2.0
	}

	wait := initial
	for i := 0; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next > max {
			return max
		}
		wait = next
	}
	if wait > max {
		return max
	}
	return wait
}
