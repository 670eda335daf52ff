package jobs

import (
	"math/rand"
	"time"
)

// Backoff computes the delay before the given retry (0 = first retry):
// min(base * 2^attempt, cap) scaled by uniform jitter in [0.5, 1.5).
// Jitter keeps a burst of same-aged failures from thundering back in
// lockstep. A nil rng uses the shared source.
func Backoff(base, cap time.Duration, attempt int, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if cap > 0 && d >= cap {
			d = cap
			break
		}
	}
	if cap > 0 && d > cap {
		d = cap
	}
	jitter := 0.5
	if rng != nil {
		jitter += rng.Float64()
	} else {
		jitter += rand.Float64()
	}
	return time.Duration(float64(d) * jitter)
}
