package transport

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: Base doubled per attempt, capped at Max,
// with up to Jitter*delay of random slack added.
//
// Jitter is clamped to [0,1]. With the slack bounded by one doubling, attempt
// n+1 is never shorter than attempt n, so delays are non-decreasing until
// the cap and constant at it.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// rand returns a value in [0,1). nil uses math/rand.
	rand func() float64
}

// Delay returns the wait before the given attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	d := b.Base
	for i := 0; i < attempt; i++ {
		if b.Max > 0 && d >= b.Max {
			break
		}
		d *= 2
	}

	jitter := b.Jitter
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	if jitter > 0 {
		r := rand.Float64
		if b.rand != nil {
			r = b.rand
		}
		d += time.Duration(float64(d) * jitter * r())
	}

	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}
