package queue

import (
	"math/rand"
	"time"
)

// Policy maps a retry attempt (1-based) to the delay before the command
// becomes visible again.
type Policy func(attempt int32) time.Duration

// ExponentialBackoff doubles the delay per attempt up to max, with up to 20%
// random jitter so retries from a burst of failures spread out.
func ExponentialBackoff(base, max time.Duration) Policy {
	return func(attempt int32) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := base
		for i := int32(1); i < attempt && d < max; i++ {
			d *= 2
		}
		if d > max {
			d = max
		}
		jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
		return d + jitter
	}
}

// DefaultBackoff is the retry policy used when none is configured.
var DefaultBackoff = ExponentialBackoff(time.Minute, time.Hour)
