// Package imageapi calls raw HTTP image endpoints that speak an
// OpenAI-like wire format but are not fully compatible with the SDK:
// either POST {base}/v1/images/generations, or POST {base}/v1/chat/completions
// with the image returned in the message content.
package imageapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mhpenta/pagegen"
	"github.com/tidwall/gjson"
)

const (
	DefaultRequestTimeout = 10 * time.Minute

	// chatMaxTokens is sent on chat requests; image-via-chat gateways
	// reject requests without it.
	chatMaxTokens = 4096

	maxResponseSize = 64 << 20
	errorSnippet    = 500
)

// Option configures a Generator.
type Option func(*Generator)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Generator) {
		g.http = c
	}
}

// WithRequestTimeout bounds each HTTP request when no client is supplied.
func WithRequestTimeout(d time.Duration) Option {
	return func(g *Generator) {
		g.http = &http.Client{Timeout: d}
	}
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) {
		g.logger = l
	}
}

// Generator implements pagegen.Generator for the image capability.
type Generator struct {
	cfg      pagegen.ProviderConfig
	endpoint pagegen.EndpointType
	http     *http.Client
	logger   *slog.Logger
}

var (
	_ pagegen.Generator = (*Generator)(nil)
	_ pagegen.Pinger    = (*Generator)(nil)
)

// New creates a Generator. An empty endpoint_type selects "images", except
// for whisk gateways, which only offer the chat endpoint.
func New(_ context.Context, cfg pagegen.ProviderConfig, opts ...Option) (*Generator, error) {
	g := &Generator{
		cfg:      cfg,
		endpoint: resolveEndpoint(cfg),
		http:     &http.Client{Timeout: DefaultRequestTimeout},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("provider", cfg.Name, "provider_type", string(cfg.Type))
	return g, nil
}

func resolveEndpoint(cfg pagegen.ProviderConfig) pagegen.EndpointType {
	if cfg.EndpointType != "" {
		return cfg.EndpointType
	}
	if strings.Contains(strings.ToLower(cfg.BaseURL), "whisk") {
		return pagegen.EndpointChat
	}
	return pagegen.EndpointImages
}

// Endpoint reports the resolved endpoint type.
func (g *Generator) Endpoint() pagegen.EndpointType {
	return g.endpoint
}

func (g *Generator) Generate(ctx context.Context, req *pagegen.Request) (*pagegen.Content, error) {
	if err := pagegen.ValidateRequest(req); err != nil {
		return nil, err
	}

	var (
		data []byte
		err  error
	)
	switch g.endpoint {
	case pagegen.EndpointChat:
		data, err = g.viaChat(ctx, req)
	default:
		data, err = g.viaImages(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	return &pagegen.Content{
		Images:        []pagegen.Image{{Data: data, MIMEType: pagegen.SniffMIMEType(data)}},
		UsageMetadata: &pagegen.UsageMetadata{ImageCount: 1},
	}, nil
}

func (g *Generator) size(req *pagegen.Request) string {
	if g.cfg.DefaultSize != "" {
		return g.cfg.DefaultSize
	}
	return req.Size.PixelSize()
}

func (g *Generator) viaImages(ctx context.Context, req *pagegen.Request) ([]byte, error) {
	payload := map[string]any{
		"model":           g.cfg.Model,
		"prompt":          req.Prompt,
		"n":               1,
		"size":            g.size(req),
		"response_format": "b64_json",
	}
	if g.cfg.Quality != "" && strings.HasPrefix(g.cfg.Model, "dall-e") {
		payload["quality"] = g.cfg.Quality
	}

	body, err := g.post(ctx, "images/generations", payload)
	if err != nil {
		return nil, err
	}

	data := gjson.GetBytes(body, "data.0")
	if !data.Exists() {
		return nil, g.invalid("response contained no image data: %s", snippet(body))
	}
	return g.decodeEntry(ctx, data, body)
}

func (g *Generator) viaChat(ctx context.Context, req *pagegen.Request) ([]byte, error) {
	temperature := 1.0
	if g.cfg.Temperature != nil {
		temperature = *g.cfg.Temperature
	}
	payload := map[string]any{
		"model": g.cfg.Model,
		"messages": []map[string]string{
			{"role": "user", "content": req.Prompt},
		},
		"max_tokens":      chatMaxTokens,
		"temperature":     temperature,
		"response_format": map[string]string{"type": "image"},
		"size":            g.size(req),
	}

	body, err := g.post(ctx, "chat/completions", payload)
	if err != nil {
		return nil, err
	}

	if content := gjson.GetBytes(body, "choices.0.message.content"); content.Type == gjson.String {
		if data, ok, err := g.decodeContent(ctx, content.String()); ok || err != nil {
			return data, err
		}
	}

	// Some gateways answer the chat endpoint in images format.
	if data := gjson.GetBytes(body, "data.0"); data.Exists() {
		return g.decodeEntry(ctx, data, body)
	}
	return nil, g.invalid("no image in chat response: %s", snippet(body))
}

// decodeEntry reads an images-format entry: b64_json first, then url.
func (g *Generator) decodeEntry(ctx context.Context, entry gjson.Result, body []byte) ([]byte, error) {
	if b64 := entry.Get("b64_json"); b64.Exists() && b64.String() != "" {
		data, err := base64.StdEncoding.DecodeString(b64.String())
		if err != nil {
			return nil, g.invalid("invalid b64_json: %v", err)
		}
		return data, nil
	}
	if u := entry.Get("url"); u.Exists() && u.String() != "" {
		return g.download(ctx, u.String())
	}
	return nil, g.invalid("image entry has neither b64_json nor url: %s", snippet(body))
}

// decodeContent reads a chat message content as a data URI, an http(s) URL
// or raw base64. ok is false when content is none of these.
func (g *Generator) decodeContent(ctx context.Context, content string) ([]byte, bool, error) {
	content = strings.TrimSpace(content)
	switch {
	case strings.HasPrefix(content, "data:image"):
		_, b64, found := strings.Cut(content, ",")
		if !found {
			return nil, true, g.invalid("malformed data URI")
		}
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, true, g.invalid("invalid data URI payload: %v", err)
		}
		return data, true, nil
	case strings.HasPrefix(content, "http://") || strings.HasPrefix(content, "https://"):
		data, err := g.download(ctx, content)
		return data, true, err
	case len(content) > 100:
		data, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, false, nil
		}
		return data, true, nil
	}
	return nil, false, nil
}

func (g *Generator) post(ctx context.Context, path string, payload any) ([]byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	url := pagegen.APIEndpoint(g.cfg.BaseURL, path)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, g.invalid("build request: %v", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := g.http.Do(httpReq)
	if err != nil {
		return nil, pagegen.NewProviderError(g.cfg.Type, g.cfg.Model, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, pagegen.NewProviderError(g.cfg.Type, g.cfg.Model, err)
	}

	g.logger.Debug("image api call",
		"endpoint", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode != http.StatusOK {
		return nil, g.statusError(resp.StatusCode, body)
	}
	if !gjson.ValidBytes(body) {
		return nil, g.invalid("response is not JSON: %s", snippet(body))
	}
	return body, nil
}

func (g *Generator) download(ctx context.Context, url string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, g.invalid("bad image url: %v", err)
	}
	resp, err := g.http.Do(httpReq)
	if err != nil {
		return nil, pagegen.NewProviderError(g.cfg.Type, g.cfg.Model, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, pagegen.MaxImageSize))
	if err != nil {
		return nil, pagegen.NewProviderError(g.cfg.Type, g.cfg.Model, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, g.statusError(resp.StatusCode, data)
	}
	if len(data) == 0 {
		return nil, g.invalid("downloaded image is empty")
	}
	return data, nil
}

// Ping lists models at {base}/v1/models.
func (g *Generator) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, pagegen.APIEndpoint(g.cfg.BaseURL, "models"), nil)
	if err != nil {
		return g.invalid("build request: %v", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	resp, err := g.http.Do(httpReq)
	if err != nil {
		return pagegen.NewProviderError(g.cfg.Type, g.cfg.Model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorSnippet))
		return g.statusError(resp.StatusCode, body)
	}
	return nil
}

func (g *Generator) statusError(code int, body []byte) error {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = snippet(body)
	}
	return &pagegen.ProviderError{
		Kind:       pagegen.KindFromStatus(code),
		Provider:   g.cfg.Type,
		Model:      g.cfg.Model,
		StatusCode: code,
		Err:        errors.New(msg),
	}
}

func (g *Generator) invalid(format string, args ...any) error {
	return &pagegen.ProviderError{
		Kind:     pagegen.KindInvalidResponse,
		Provider: g.cfg.Type,
		Model:    g.cfg.Model,
		Err:      fmt.Errorf(format, args...),
	}
}

func (g *Generator) Capability() pagegen.Capability {
	return pagegen.CapabilityImage
}

func (g *Generator) Close() error {
	g.http.CloseIdleConnections()
	return nil
}

func snippet(body []byte) string {
	if len(body) > errorSnippet {
		return string(body[:errorSnippet]) + "..."
	}
	return string(body)
}
