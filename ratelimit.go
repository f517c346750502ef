package pagegen

import (
	"context"
	"log/slog"
	"time"

	"github.com/mhpenta/pagegen/ratelimiter"
)

const tokenBuffer = 100

// RateLimitedGenerator gates a Generator behind a ratelimiter.Limiter.
// Waiting for capacity is not a retry: the wrapped generator is still
// called at most once per Generate.
type RateLimitedGenerator struct {
	gen       Generator
	limiter   ratelimiter.Limiter
	estimator TokenEstimator
	maxWait   time.Duration
	name      string
	logger    *slog.Logger
}

var (
	_ Generator = (*RateLimitedGenerator)(nil)
	_ Pinger    = (*RateLimitedGenerator)(nil)
)

// RateLimitOption configures RateLimited.
type RateLimitOption func(*RateLimitedGenerator)

// WithMaxWait bounds how long Generate waits for capacity. Zero waits forever.
func WithMaxWait(d time.Duration) RateLimitOption {
	return func(r *RateLimitedGenerator) {
		r.maxWait = d
	}
}

// WithTokenEstimator replaces the default SimpleTokenEstimator.
func WithTokenEstimator(e TokenEstimator) RateLimitOption {
	return func(r *RateLimitedGenerator) {
		r.estimator = e
	}
}

// WithRateLimitLogger sets a structured logger.
func WithRateLimitLogger(logger *slog.Logger) RateLimitOption {
	return func(r *RateLimitedGenerator) {
		r.logger = logger
	}
}

// RateLimited wraps gen. name identifies the provider in errors and logs.
func RateLimited(gen Generator, limiter ratelimiter.Limiter, name string, opts ...RateLimitOption) *RateLimitedGenerator {
	r := &RateLimitedGenerator{
		gen:       gen,
		limiter:   limiter,
		estimator: NewSimpleTokenEstimator(),
		name:      name,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Generate waits for capacity, then calls the wrapped generator. Running out
// of wait budget yields a quota ProviderError wrapping a RateLimitError.
func (r *RateLimitedGenerator) Generate(ctx context.Context, req *Request) (*Content, error) {
	tokens := RequestTokens(r.estimator, req) + tokenBuffer

	if err := r.limiter.WaitAndConsume(ctx, tokens, r.maxWait); err != nil {
		if ctx.Err() != nil {
			return nil, &ProviderError{Kind: ClassifyError(ctx.Err()), Model: r.name, Err: err}
		}
		r.logger.Warn("rate limit hit",
			"provider", r.name,
			"tokens", tokens,
			"error", err.Error(),
		)
		return nil, &ProviderError{
			Kind:  KindQuota,
			Model: r.name,
			Err: &RateLimitError{
				RetryAfter: r.limiter.TimeUntilAvailable(ctx, tokens),
				LimitType:  "tokens",
				Model:      r.name,
				Err:        err,
			},
		}
	}

	return r.gen.Generate(ctx, req)
}

func (r *RateLimitedGenerator) Capability() Capability {
	return r.gen.Capability()
}

// Ping forwards to the wrapped generator when it supports it.
func (r *RateLimitedGenerator) Ping(ctx context.Context) error {
	if p, ok := r.gen.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (r *RateLimitedGenerator) Close() error {
	return r.gen.Close()
}

// Unwrap returns the wrapped generator.
func (r *RateLimitedGenerator) Unwrap() Generator {
	return r.gen
}
