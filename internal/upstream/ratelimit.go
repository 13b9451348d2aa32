package upstream

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Penalty bounds for provider backoff responses.
const (
	basePenalty = 1 * time.Second
	maxPenalty  = 60 * time.Second
)

// TokenBucket implements Limiter with a classic token bucket plus a
// doubling cool-off for 429-style responses. All methods are safe for
// concurrent use.
type TokenBucket struct {
	mu           sync.Mutex
	capacity     float64
	tokens       float64
	refillPerSec float64
	last         time.Time

	penalty      time.Duration
	penaltyUntil time.Time

	now func() time.Time // test hook
}

// NewTokenBucket builds a full bucket of the given capacity refilling at
// refillPerSec tokens per second.
func NewTokenBucket(capacity int, refillPerSec float64) *TokenBucket {
	n := time.Now
	return &TokenBucket{
		capacity:     float64(capacity),
		tokens:       float64(capacity),
		refillPerSec: refillPerSec,
		last:         n(),
		now:          n,
	}
}

// AcquirePermit blocks cooperatively until cost tokens are available and no
// penalty window is active, or until ctx is done.
func (b *TokenBucket) AcquirePermit(ctx context.Context, cost int) error {
	if float64(cost) > b.capacity {
		return fmt.Errorf("ratelimit: cost %d exceeds bucket capacity %.0f", cost, b.capacity)
	}
	for {
		b.mu.Lock()
		now := b.now()
		b.refillLocked(now)

		if !now.Before(b.penaltyUntil) && b.tokens >= float64(cost) {
			b.tokens -= float64(cost)
			b.mu.Unlock()
			return nil
		}

		wait := b.penaltyUntil.Sub(now)
		if wait <= 0 {
			deficit := float64(cost) - b.tokens
			wait = time.Duration(deficit / b.refillPerSec * float64(time.Second))
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Penalize doubles the cool-off with jitter, capped at maxPenalty. Called
// on 429/418 responses.
func (b *TokenBucket) Penalize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.penalty == 0 {
		b.penalty = basePenalty
	} else {
		b.penalty *= 2
	}
	if b.penalty > maxPenalty {
		b.penalty = maxPenalty
	}
	jitter := time.Duration(rand.Int63n(int64(b.penalty) / 4))
	b.penaltyUntil = b.now().Add(b.penalty + jitter)
}

// Reset clears the cool-off after a successful call.
func (b *TokenBucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.penalty = 0
	b.penaltyUntil = time.Time{}
}

func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillPerSec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}
