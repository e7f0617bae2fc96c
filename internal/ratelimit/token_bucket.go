package ratelimit

import (
	"sync"
	"time"
)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket is a deterministic token bucket that refills at an integer
// rate of `refill` tokens per `window`, using a provided Clock.
//
// Refill is computed in whole tokens; the un-credited remainder of the
// elapsed time is carried forward by advancing the reference point only by
// the time actually consumed, so slow rates (e.g. 10 tokens/hour) accrue
// without float rounding.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // tokens
	refill   int64 // tokens per window
	window   time.Duration

	available int64
	last      time.Time
}

func NewTokenBucket(clock Clock, capacity, refill int64, window time.Duration) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if refill < 0 {
		refill = 0
	}
	if window <= 0 {
		window = time.Second
	}

	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		refill:    refill,
		window:    window,
		available: capacity,
		last:      clock.Now(),
	}
}

// Allow consumes the provided number of tokens if available.
//
// tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.available < tokens {
		return false
	}
	b.available -= tokens
	return true
}

// RetryAfter estimates how long until `tokens` tokens will be available.
// Zero means they are available now.
func (b *TokenBucket) RetryAfter(tokens int64) time.Duration {
	if tokens <= 0 {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.available >= tokens {
		return 0
	}
	if b.refill <= 0 {
		return b.window
	}

	deficit := tokens - b.available
	windowNanos := b.window.Nanoseconds()
	if deficit > maxInt64/windowNanos {
		return b.window
	}
	nanos := deficit * windowNanos / b.refill
	// Subtract the time already accrued toward the next token.
	accrued := b.clock.Now().Sub(b.last)
	if accrued > 0 && accrued.Nanoseconds() < nanos {
		nanos -= accrued.Nanoseconds()
	}
	return time.Duration(nanos)
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards. Avoid refilling and move the reference point.
		b.last = now
		return
	}
	if b.refill <= 0 || b.capacity <= 0 {
		b.last = now
		return
	}
	if b.available >= b.capacity {
		b.last = now
		return
	}

	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}

	elapsedNanos := elapsed.Nanoseconds()
	windowNanos := b.window.Nanoseconds()

	// Overflow guard: an idle period this long always fills the bucket.
	if elapsedNanos > maxInt64/b.refill {
		b.available = b.capacity
		b.last = now
		return
	}

	tokens := elapsedNanos * b.refill / windowNanos
	if tokens <= 0 {
		return
	}
	if tokens >= b.capacity-b.available {
		b.available = b.capacity
		b.last = now
		return
	}

	b.available += tokens
	// Advance only by the time the credited tokens consumed, carrying the
	// fractional remainder into the next refill.
	b.last = b.last.Add(time.Duration(tokens * windowNanos / b.refill))
}
