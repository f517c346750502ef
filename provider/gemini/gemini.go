// Package gemini provides text and image generators using Google's Gemini API.
//
// This provider uses the Gemini API backend via the official Go SDK:
// https://github.com/googleapis/go-genai
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mhpenta/pagegen"
	"google.golang.org/genai"
)

// Option configures a generator.
type Option func(*options)

type options struct {
	httpClient *http.Client
	logger     *slog.Logger
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

// client holds what the text and image generators share.
type client struct {
	api    *genai.Client
	cfg    pagegen.ProviderConfig
	logger *slog.Logger
}

func newClient(ctx context.Context, cfg pagegen.ProviderConfig, opts []Option) (*client, error) {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	clientCfg := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: o.httpClient,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	api, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, &pagegen.ConfigurationError{
			Provider: cfg.Name,
			Reason:   fmt.Sprintf("failed to create Gemini client: %v", err),
		}
	}

	return &client{
		api:    api,
		cfg:    cfg,
		logger: o.logger.With("provider", cfg.Name, "provider_type", string(pagegen.ProviderGoogleGenAI)),
	}, nil
}

// Ping fetches the configured model, which checks both key and model name.
func (c *client) Ping(ctx context.Context) error {
	if _, err := c.api.Models.Get(ctx, c.cfg.Model, nil); err != nil {
		return c.wrapError(err)
	}
	return nil
}

// generate runs one GenerateContent call.
func (c *client) generate(ctx context.Context, contents []*genai.Content, genConfig *genai.GenerateContentConfig) (*pagegen.Content, error) {
	result, err := c.api.Models.GenerateContent(ctx, c.cfg.Model, contents, genConfig)
	if err != nil {
		return nil, c.wrapError(err)
	}
	return c.parseResult(result)
}

func (c *client) baseConfig() *genai.GenerateContentConfig {
	genConfig := &genai.GenerateContentConfig{}
	if c.cfg.Temperature != nil {
		genConfig.Temperature = genai.Ptr(float32(*c.cfg.Temperature))
	}
	if c.cfg.MaxOutputTokens > 0 {
		genConfig.MaxOutputTokens = int32(c.cfg.MaxOutputTokens)
	}
	return genConfig
}

// parseResult converts a Gemini response to Content.
func (c *client) parseResult(result *genai.GenerateContentResponse) (*pagegen.Content, error) {
	if result == nil || len(result.Candidates) == 0 {
		return nil, c.invalid("empty response from model")
	}

	content := &pagegen.Content{}
	var thinkingParts []string

	imageIndex := 0
	for _, candidate := range result.Candidates {
		if candidate.Content == nil {
			continue
		}

		for _, part := range candidate.Content.Parts {
			if part.Thought && part.Text != "" {
				thinkingParts = append(thinkingParts, part.Text)
				continue
			}

			if part.Text != "" {
				content.Text += part.Text
			}

			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				mime := part.InlineData.MIMEType
				if mime == "" {
					mime = pagegen.SniffMIMEType(part.InlineData.Data)
				}
				content.Images = append(content.Images, pagegen.Image{
					Data:     part.InlineData.Data,
					MIMEType: mime,
					Index:    imageIndex,
				})
				imageIndex++
			}
		}
	}

	if len(thinkingParts) > 0 {
		content.ThinkingContent = strings.Join(thinkingParts, "\n")
	}

	if result.UsageMetadata != nil {
		content.UsageMetadata = &pagegen.UsageMetadata{
			PromptTokens:     int(result.UsageMetadata.PromptTokenCount),
			CandidatesTokens: int(result.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(result.UsageMetadata.TotalTokenCount),
			ImageCount:       len(content.Images),
		}
	}

	return content, nil
}

// wrapError classifies an SDK error as a ProviderError.
func (c *client) wrapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		kind := pagegen.KindFromStatus(apiErr.Code)
		if apiErr.Status == "RESOURCE_EXHAUSTED" {
			kind = pagegen.KindQuota
		}
		return &pagegen.ProviderError{
			Kind:       kind,
			Provider:   pagegen.ProviderGoogleGenAI,
			Model:      c.cfg.Model,
			StatusCode: apiErr.Code,
			Err:        err,
		}
	}
	return pagegen.NewProviderError(pagegen.ProviderGoogleGenAI, c.cfg.Model, err)
}

func (c *client) invalid(msg string) error {
	return &pagegen.ProviderError{
		Kind:     pagegen.KindInvalidResponse,
		Provider: pagegen.ProviderGoogleGenAI,
		Model:    c.cfg.Model,
		Err:      errors.New(msg),
	}
}

// The genai.Client doesn't require explicit closing in the current SDK.
func (c *client) Close() error {
	return nil
}
