// Package provider registers every concrete Generator with a pagegen.Factory.
package provider

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/mhpenta/pagegen"
	"github.com/mhpenta/pagegen/provider/gemini"
	"github.com/mhpenta/pagegen/provider/imageapi"
	"github.com/mhpenta/pagegen/provider/openai"
	"github.com/mhpenta/pagegen/ratelimiter"
)

// Option configures NewFactory.
type Option func(*settings)

type settings struct {
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger

	limiters   ratelimiter.Registry
	newLimiter func(key string) ratelimiter.Limiter
	maxWait    time.Duration
}

// WithRequestTimeout bounds each vendor request. Non-positive keeps the
// default.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithHTTPClient shares one HTTP client across providers. Gemini and
// image_api use it directly; openai-go wraps it.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) {
		s.httpClient = c
	}
}

// WithLogger sets a structured logger for the factory and every generator.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		s.logger = l
	}
}

// WithRateLimits wraps every built generator in a pagegen.RateLimitedGenerator.
// Limiters are kept in reg under ratelimiter.Key(capability, provider name)
// and created on first use by newLimiter.
func WithRateLimits(reg ratelimiter.Registry, newLimiter func(key string) ratelimiter.Limiter, maxWait time.Duration) Option {
	return func(s *settings) {
		s.limiters = reg
		s.newLimiter = newLimiter
		s.maxWait = maxWait
	}
}

// NewFactory returns a Factory with the five built-in constructors:
// OpenAI-compatible text and image, Gemini text and image, and image_api.
func NewFactory(opts ...Option) *pagegen.Factory {
	s := &settings{timeout: openai.DefaultRequestTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	f := pagegen.NewFactory(pagegen.WithFactoryLogger(s.logger))

	f.Register(pagegen.CapabilityText, pagegen.ProviderOpenAICompatible, s.limited(pagegen.CapabilityText,
		func(ctx context.Context, cfg pagegen.ProviderConfig) (pagegen.Generator, error) {
			return openai.NewText(ctx, cfg, s.openaiOptions()...)
		}))

	f.Register(pagegen.CapabilityImage, pagegen.ProviderOpenAICompatible, s.limited(pagegen.CapabilityImage,
		func(ctx context.Context, cfg pagegen.ProviderConfig) (pagegen.Generator, error) {
			// The SDK only speaks the images endpoint.
			if cfg.EndpointType == pagegen.EndpointChat {
				return imageapi.New(ctx, cfg, s.imageAPIOptions()...)
			}
			return openai.NewImage(ctx, cfg, s.openaiOptions()...)
		}))

	f.Register(pagegen.CapabilityText, pagegen.ProviderGoogleGenAI, s.limited(pagegen.CapabilityText,
		func(ctx context.Context, cfg pagegen.ProviderConfig) (pagegen.Generator, error) {
			return gemini.NewText(ctx, cfg, s.geminiOptions()...)
		}))

	f.Register(pagegen.CapabilityImage, pagegen.ProviderGoogleGenAI, s.limited(pagegen.CapabilityImage,
		func(ctx context.Context, cfg pagegen.ProviderConfig) (pagegen.Generator, error) {
			return gemini.NewImage(ctx, cfg, s.geminiOptions()...)
		}))

	f.Register(pagegen.CapabilityImage, pagegen.ProviderImageAPI, s.limited(pagegen.CapabilityImage,
		func(ctx context.Context, cfg pagegen.ProviderConfig) (pagegen.Generator, error) {
			return imageapi.New(ctx, cfg, s.imageAPIOptions()...)
		}))

	return f
}

// limited wraps ctor's result with a rate limiter when one is configured.
func (s *settings) limited(c pagegen.Capability, ctor pagegen.Constructor) pagegen.Constructor {
	if s.limiters == nil || s.newLimiter == nil {
		return ctor
	}
	return func(ctx context.Context, cfg pagegen.ProviderConfig) (pagegen.Generator, error) {
		gen, err := ctor(ctx, cfg)
		if err != nil {
			return nil, err
		}
		key := ratelimiter.Key(string(c), cfg.Name)
		limiter := s.limiters.GetOrCreate(key, func() ratelimiter.Limiter { return s.newLimiter(key) })
		return pagegen.RateLimited(gen, limiter, cfg.Name,
			pagegen.WithMaxWait(s.maxWait),
			pagegen.WithRateLimitLogger(s.logger),
		), nil
	}
}

func (s *settings) openaiOptions() []openai.Option {
	opts := []openai.Option{openai.WithRequestTimeout(s.timeout), openai.WithLogger(s.logger)}
	if s.httpClient != nil {
		opts = append(opts, openai.WithHTTPClient(s.httpClient))
	}
	return opts
}

func (s *settings) geminiOptions() []gemini.Option {
	opts := []gemini.Option{gemini.WithLogger(s.logger)}
	if s.httpClient != nil {
		opts = append(opts, gemini.WithHTTPClient(s.httpClient))
	}
	return opts
}

func (s *settings) imageAPIOptions() []imageapi.Option {
	opts := []imageapi.Option{imageapi.WithRequestTimeout(s.timeout), imageapi.WithLogger(s.logger)}
	if s.httpClient != nil {
		opts = append(opts, imageapi.WithHTTPClient(s.httpClient))
	}
	return opts
}
