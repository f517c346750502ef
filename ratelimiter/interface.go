// Package ratelimiter throttles calls to vendor APIs per provider.
package ratelimiter

import (
	"context"
	"time"
)

// Limiter defines the interface for rate limiters.
// Implementations can be local (in-memory) or distributed (Redis).
type Limiter interface {
	// TryConsume atomically checks capacity and consumes tokens if available.
	// Returns false if insufficient capacity.
	TryConsume(ctx context.Context, tokens int) (bool, error)

	// TimeUntilAvailable returns how long until tokens would be available (read-only).
	TimeUntilAvailable(ctx context.Context, tokens int) time.Duration

	// WaitAndConsume waits until tokens are available, then consumes them.
	// Returns error if ctx is done or maxWait is exceeded. maxWait of zero
	// means no limit.
	WaitAndConsume(ctx context.Context, tokens int, maxWait time.Duration) error
}

// Limits configures a limiter. Zero fields are unlimited.
type Limits struct {
	TokensPerMinute   int `mapstructure:"tokens_per_minute"`
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
}

// Unlimited reports whether l imposes no limit at all.
func (l Limits) Unlimited() bool {
	return l.TokensPerMinute <= 0 && l.RequestsPerMinute <= 0
}
