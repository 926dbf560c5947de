package lease

import (
	"math"
	"math/rand"
	"time"
)

// Backoff delays the retry of a failed attempt. A zero Initial retries on the next scan.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns how long a job that has used attempt attempts waits before it is claimable again.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	max := b.Max
	if max < b.Initial {
		max = b.Initial
	}
	return backoffWithJitter(b.Initial, max, attempt)
}

// backoffWithJitter returns a delay in [wait/2, wait) where wait doubles per attempt up to max.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	half := int64(wait / 2)
	if half <= 0 {
		return wait
	}
	return wait/2 + time.Duration(rand.Int63n(half))
}
