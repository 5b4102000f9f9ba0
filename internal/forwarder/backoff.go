package forwarder

import (
	"math/rand/v2"
	"time"
)

// jitterFraction is the largest share of a delay removed by jitter.
const jitterFraction = 0.2

// Backoff produces exponentially growing retry delays. Below the cap each delay
// is the nominal value minus up to 20% jitter, which keeps consecutive delays
// strictly increasing; at the cap the delay is exactly max.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	rand    func() float64

	attempt int
}

// NewBackoff creates a backoff starting at initial and capped at max.
// rnd returns values in [0,1); nil uses math/rand/v2.
func NewBackoff(initial, max time.Duration, rnd func() float64) *Backoff {
	if max < initial {
		max = initial
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	return &Backoff{initial: initial, max: max, rand: rnd}
}

// Next returns the delay before the next retry and advances the sequence.
func (b *Backoff) Next() time.Duration {
	nominal := b.initial
	for i := 0; i < b.attempt && nominal < b.max; i++ {
		nominal *= 2
	}
	b.attempt++

	if nominal >= b.max {
		return b.max
	}
	jitter := time.Duration(b.rand() * jitterFraction * float64(nominal))
	return nominal - jitter
}

// Reset restarts the sequence once the head batch leaves the buffer.
func (b *Backoff) Reset() {
	b.attempt = 0
}
