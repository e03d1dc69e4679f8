package ratelimit

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

// bucket is a token bucket of fixed capacity refilled continuously over a period.
type bucket struct {
	lim      *rate.Limiter
	capacity int
	refill   rate.Limit // tokens per second
}

func newBucket(capacity int, period time.Duration) *bucket {
	r := rate.Limit(float64(capacity) / period.Seconds())
	return &bucket{
		lim:      rate.NewLimiter(r, capacity),
		capacity: capacity,
		refill:   r,
	}
}

// tokens returns the tokens available at now.
func (b *bucket) tokens(now time.Time) float64 {
	return b.lim.TokensAt(now)
}

// available reports whether one token can be taken at now without taking it.
func (b *bucket) available(now time.Time) bool {
	return b.tokens(now) >= 1
}

// take consumes one token. A failed take leaves the bucket unchanged.
func (b *bucket) take(now time.Time) bool {
	return b.lim.AllowN(now, 1)
}

// wait returns how long until one token is available.
func (b *bucket) wait(now time.Time) time.Duration {
	missing := 1 - b.tokens(now)
	if missing <= 0 {
		return 0
	}
	secs := missing / float64(b.refill)
	return time.Duration(math.Ceil(secs * float64(time.Second)))
}

// refillFull restores the bucket to capacity.
func (b *bucket) refillFull() {
	b.lim = rate.NewLimiter(b.refill, b.capacity)
}
