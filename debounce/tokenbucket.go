package debounce

import (
	"sync"
	"time"

	"github.com/gontrandl/autoweave-core/internal/clock"
)

// tokenBucket rate-limits the Debouncer's downstream emission to
// max_events_per_second, with a burst capacity equal to that same rate.
type tokenBucket struct {
	clock clock.Clock

	mu       sync.Mutex
	rate     float64 // tokens/sec; <= 0 means unlimited
	capacity float64
	tokens   float64
	last     time.Time
}

func newTokenBucket(c clock.Clock, eventsPerSecond int) *tokenBucket {
	rate := float64(eventsPerSecond)
	return &tokenBucket{
		clock:    c,
		rate:     rate,
		capacity: rate,
		tokens:   rate,
		last:     c.Now(),
	}
}

// Take attempts to consume one token. If unavailable, it reports how long
// the caller should wait before the next token is ready.
func (b *tokenBucket) Take() (allowed bool, wait time.Duration) {
	if b.rate <= 0 {
		return true, 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}

	deficit := 1 - b.tokens
	return false, time.Duration(deficit / b.rate * float64(time.Second))
}
