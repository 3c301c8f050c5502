package feed

import (
	"math/rand"
	"time"
)

// backoff produces exponentially growing delays with full jitter, capped at
// max. Each call to next doubles the window.
type backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func (b *backoff) next() time.Duration {
	d := b.base << b.attempt
	if d > b.max || d <= 0 {
		d = b.max
	} else {
		b.attempt++
	}
	// Full jitter over [base/2, d].
	lo := b.base / 2
	if d <= lo {
		return d
	}
	return lo + time.Duration(rand.Int63n(int64(d-lo)))
}

func (b *backoff) reset() {
	b.attempt = 0
}
