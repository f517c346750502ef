package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mhpenta/pagegen"
	openai "github.com/openai/openai-go"
)

const maxDownloadSize = pagegen.MaxImageSize

// ImageGenerator calls the images/generations endpoint and always asks for
// base64 output, falling back to downloading the URL some gateways return
// anyway.
type ImageGenerator struct {
	*client
	download *http.Client
}

var (
	_ pagegen.Generator = (*ImageGenerator)(nil)
	_ pagegen.Pinger    = (*ImageGenerator)(nil)
)

// NewImage creates an ImageGenerator. cfg must already be validated.
func NewImage(_ context.Context, cfg pagegen.ProviderConfig, opts ...Option) (*ImageGenerator, error) {
	o := newOptions(opts)
	download := o.httpClient
	if download == nil {
		download = &http.Client{Timeout: o.timeout}
	}
	return &ImageGenerator{client: newClient(cfg, opts), download: download}, nil
}

// Generate produces one image for req.
func (g *ImageGenerator) Generate(ctx context.Context, req *pagegen.Request) (*pagegen.Content, error) {
	if err := pagegen.ValidateRequest(req); err != nil {
		return nil, err
	}

	params := openai.ImageGenerateParams{
		Prompt:         req.Prompt,
		Model:          openai.ImageModel(g.cfg.Model),
		N:              openai.Int(1),
		Size:           openai.ImageGenerateParamsSize(g.size(req)),
		ResponseFormat: openai.ImageGenerateParamsResponseFormatB64JSON,
	}
	// Only dall-e models accept quality.
	if g.cfg.Quality != "" && strings.HasPrefix(g.cfg.Model, "dall-e") {
		params.Quality = openai.ImageGenerateParamsQuality(g.cfg.Quality)
	}

	resp, err := g.api.Images.Generate(ctx, params)
	if err != nil {
		return nil, g.wrapError(err)
	}
	if len(resp.Data) == 0 {
		return nil, g.invalid("response contained no image data")
	}

	first := resp.Data[0]
	var data []byte
	switch {
	case first.B64JSON != "":
		data, err = base64.StdEncoding.DecodeString(first.B64JSON)
		if err != nil {
			return nil, g.invalid(fmt.Sprintf("invalid b64_json: %v", err))
		}
	case first.URL != "":
		data, err = g.fetch(ctx, first.URL)
		if err != nil {
			return nil, err
		}
	default:
		return nil, g.invalid("image entry has neither b64_json nor url")
	}

	return &pagegen.Content{
		Images: []pagegen.Image{{
			Data:          data,
			MIMEType:      pagegen.SniffMIMEType(data),
			RevisedPrompt: first.RevisedPrompt,
		}},
		UsageMetadata: &pagegen.UsageMetadata{ImageCount: 1},
	}, nil
}

// size prefers the provider's default_size over the request's size class.
func (g *ImageGenerator) size(req *pagegen.Request) string {
	if g.cfg.DefaultSize != "" {
		return g.cfg.DefaultSize
	}
	return req.Size.PixelSize()
}

func (g *ImageGenerator) fetch(ctx context.Context, url string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, g.invalid(fmt.Sprintf("bad image url: %v", err))
	}
	resp, err := g.download.Do(httpReq)
	if err != nil {
		return nil, g.wrapError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &pagegen.ProviderError{
			Kind:       pagegen.KindFromStatus(resp.StatusCode),
			Provider:   pagegen.ProviderOpenAICompatible,
			Model:      g.cfg.Model,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("image download failed"),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize))
	if err != nil {
		return nil, g.wrapError(err)
	}
	if len(data) == 0 {
		return nil, g.invalid("downloaded image is empty")
	}
	return data, nil
}

func (g *ImageGenerator) Capability() pagegen.Capability {
	return pagegen.CapabilityImage
}

func (g *ImageGenerator) Close() error {
	return nil
}
