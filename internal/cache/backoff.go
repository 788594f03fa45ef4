package cache

import (
	"math/rand"
	"time"
)

// backoff yields exponentially growing, jittered delays capped at max.
type backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func newBackoff(base, max time.Duration) *backoff {
	if max < base {
		max = base
	}
	return &backoff{base: base, max: max}
}

// next returns a delay in [d/2, d] where d doubles each call up to max.
func (b *backoff) next() time.Duration {
	d := b.base << b.attempt
	if d <= 0 || d > b.max {
		d = b.max
	} else {
		b.attempt++
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(d-half+1)))
}

func (b *backoff) reset() { b.attempt = 0 }
