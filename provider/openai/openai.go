// Package openai provides text and image generators for OpenAI-compatible
// APIs using the official openai-go SDK.
//
// The SDK's own retry loop is disabled: a Generate call is exactly one
// vendor request, and retry policy belongs to the caller.
package openai

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mhpenta/pagegen"
	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultRequestTimeout bounds a single vendor request.
const DefaultRequestTimeout = 10 * time.Minute

// Option configures a generator.
type Option func(*options)

type options struct {
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// WithRequestTimeout bounds each vendor request.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithHTTPClient sets the HTTP client used by the SDK.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func newOptions(opts []Option) *options {
	o := &options{timeout: DefaultRequestTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// client holds what the text and image generators share.
type client struct {
	api    openai.Client
	cfg    pagegen.ProviderConfig
	logger *slog.Logger
}

func newClient(cfg pagegen.ProviderConfig, opts []Option) *client {
	o := newOptions(opts)

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(pagegen.APIBaseURL(cfg.BaseURL) + "/"),
		option.WithMaxRetries(0),
	}
	if o.timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(o.timeout))
	}
	if o.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(o.httpClient))
	}

	return &client{
		api:    openai.NewClient(reqOpts...),
		cfg:    cfg,
		logger: o.logger.With("provider", cfg.Name, "provider_type", string(pagegen.ProviderOpenAICompatible)),
	}
}

// Ping lists models, which needs a valid key but generates nothing.
func (c *client) Ping(ctx context.Context) error {
	if _, err := c.api.Models.List(ctx); err != nil {
		return c.wrapError(err)
	}
	return nil
}

// wrapError classifies an SDK error as a ProviderError.
func (c *client) wrapError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &pagegen.ProviderError{
			Kind:       pagegen.KindFromStatus(apiErr.StatusCode),
			Provider:   pagegen.ProviderOpenAICompatible,
			Model:      c.cfg.Model,
			StatusCode: apiErr.StatusCode,
			Err:        err,
		}
	}
	return pagegen.NewProviderError(pagegen.ProviderOpenAICompatible, c.cfg.Model, err)
}

func (c *client) invalid(msg string) error {
	return &pagegen.ProviderError{
		Kind:     pagegen.KindInvalidResponse,
		Provider: pagegen.ProviderOpenAICompatible,
		Model:    c.cfg.Model,
		Err:      errors.New(msg),
	}
}
