package ratelimiter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LocalLimiter is an in-memory limiter with one bucket for tokens and one
// for requests, both refilled per minute.
type LocalLimiter struct {
	TokensBucket   *TokenBucket
	RequestsBucket *TokenBucket
}

// Ensure LocalLimiter implements Limiter.
var _ Limiter = (*LocalLimiter)(nil)

// New creates a LocalLimiter. A non-positive limit disables that bucket.
func New(tokensPerMinute, requestsPerMinute int) *LocalLimiter {
	return NewFromLimits(Limits{TokensPerMinute: tokensPerMinute, RequestsPerMinute: requestsPerMinute})
}

// NewFromLimits creates a LocalLimiter from l.
func NewFromLimits(l Limits) *LocalLimiter {
	refillInterval := time.Minute
	rl := &LocalLimiter{}
	if l.TokensPerMinute > 0 {
		rl.TokensBucket = NewTokenBucket(l.TokensPerMinute, l.TokensPerMinute, refillInterval)
	}
	if l.RequestsPerMinute > 0 {
		rl.RequestsBucket = NewTokenBucket(l.RequestsPerMinute, l.RequestsPerMinute, refillInterval)
	}
	return rl
}

// TryConsume consumes tokens and one request if both are available.
// Nothing is consumed when either bucket is short.
func (rl *LocalLimiter) TryConsume(_ context.Context, tokens int) (bool, error) {
	if !rl.TokensBucket.HasCapacity(tokens) || !rl.RequestsBucket.HasCapacity(1) {
		return false, nil
	}
	if !rl.TokensBucket.Consume(tokens) {
		return false, nil
	}
	if !rl.RequestsBucket.Consume(1) {
		rl.TokensBucket.Refund(tokens)
		return false, nil
	}
	return true, nil
}

// TimeUntilAvailable returns how long until the specified tokens would be available.
func (rl *LocalLimiter) TimeUntilAvailable(_ context.Context, tokens int) time.Duration {
	return max(rl.TokensBucket.TimeUntilAvailable(tokens), rl.RequestsBucket.TimeUntilAvailable(1))
}

// WaitAndConsume waits until tokens are available (up to maxWait), then consumes them.
func (rl *LocalLimiter) WaitAndConsume(ctx context.Context, tokens int, maxWait time.Duration) error {
	if rl.TokensBucket != nil && tokens > rl.TokensBucket.capacity {
		return fmt.Errorf("request of %d tokens exceeds bucket capacity %d", tokens, rl.TokensBucket.capacity)
	}

	deadline := time.Time{}
	if maxWait > 0 {
		deadline = time.Now().Add(maxWait)
	}

	for {
		ok, _ := rl.TryConsume(ctx, tokens)
		if ok {
			return nil
		}

		wait := max(rl.TimeUntilAvailable(ctx, tokens), 10*time.Millisecond)
		if !deadline.IsZero() && time.Now().Add(wait).After(deadline) {
			return fmt.Errorf("rate limit wait time %v exceeds max wait %v", wait, maxWait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TokenBucket implements a token bucket rate limit algorithm. A nil bucket
// is unlimited.
type TokenBucket struct {
	mu             sync.Mutex
	capacity       int
	remaining      int
	refillInterval time.Duration
	lastRefill     time.Time
}

// NewTokenBucket creates a new token bucket.
func NewTokenBucket(capacity int, initialTokens int, refillInterval time.Duration) *TokenBucket {
	return &TokenBucket{
		capacity:       capacity,
		remaining:      initialTokens,
		refillInterval: refillInterval,
		lastRefill:     time.Now(),
	}
}

// refill must be called with mu held.
func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill)
	if elapsed >= tb.refillInterval {
		tb.remaining = tb.capacity
		tb.lastRefill = now
		return
	}
	if elapsed <= 0 {
		return
	}
	replenished := int(float64(tb.capacity) * (float64(elapsed) / float64(tb.refillInterval)))
	if replenished > 0 {
		tb.remaining = min(tb.capacity, tb.remaining+replenished)
		tb.lastRefill = now
	}
}

// HasCapacity checks if tokens are available WITHOUT consuming them.
func (tb *TokenBucket) HasCapacity(tokens int) bool {
	if tb == nil {
		return true
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(time.Now())
	return tokens <= tb.remaining
}

// Consume tries to consume a specified number of tokens from the bucket.
func (tb *TokenBucket) Consume(tokens int) bool {
	if tb == nil {
		return true
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(time.Now())
	if tokens <= tb.remaining {
		tb.remaining -= tokens
		return true
	}
	return false
}

// Refund returns tokens taken by a Consume whose request did not go ahead.
func (tb *TokenBucket) Refund(tokens int) {
	if tb == nil {
		return
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.remaining = min(tb.capacity, tb.remaining+tokens)
}

// TimeUntilAvailable returns how long until tokens would be available (read-only).
func (tb *TokenBucket) TimeUntilAvailable(tokens int) time.Duration {
	if tb == nil {
		return 0
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()

	elapsed := time.Since(tb.lastRefill)

	effectiveRemaining := tb.remaining
	if elapsed >= tb.refillInterval {
		effectiveRemaining = tb.capacity
	} else if elapsed > 0 {
		replenished := int(float64(tb.capacity) * (float64(elapsed) / float64(tb.refillInterval)))
		effectiveRemaining = min(tb.capacity, tb.remaining+replenished)
	}

	if tokens <= effectiveRemaining {
		return 0
	}

	tokensNeeded := tokens - effectiveRemaining
	refillRate := float64(tb.capacity) / float64(tb.refillInterval)
	waitDuration := time.Duration(float64(tokensNeeded) / refillRate)

	// 10% buffer so the bucket has refilled by the time the caller wakes.
	return waitDuration + (waitDuration / 10)
}
