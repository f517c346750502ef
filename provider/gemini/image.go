package gemini

import (
	"context"

	"github.com/mhpenta/pagegen"
	"google.golang.org/genai"
)

// ImageGenerator produces images with a Gemini image model. Reference
// images on the request are sent ahead of the prompt.
type ImageGenerator struct {
	*client
}

var (
	_ pagegen.Generator = (*ImageGenerator)(nil)
	_ pagegen.Pinger    = (*ImageGenerator)(nil)
)

// NewImage creates an ImageGenerator. cfg must already be validated.
func NewImage(ctx context.Context, cfg pagegen.ProviderConfig, opts ...Option) (*ImageGenerator, error) {
	c, err := newClient(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	return &ImageGenerator{client: c}, nil
}

func (g *ImageGenerator) Generate(ctx context.Context, req *pagegen.Request) (*pagegen.Content, error) {
	if err := pagegen.ValidateRequest(req); err != nil {
		return nil, err
	}

	parts := make([]*genai.Part, 0, len(req.ReferenceImages)+1)
	for _, img := range req.ReferenceImages {
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{
				Data:     img.Data,
				MIMEType: img.MIMEType,
			},
		})
	}
	parts = append(parts, &genai.Part{Text: req.Prompt})

	contents := []*genai.Content{
		{Role: "user", Parts: parts},
	}

	content, err := g.generate(ctx, contents, g.buildConfig(req))
	if err != nil {
		return nil, err
	}
	if len(content.Images) == 0 {
		return nil, g.invalid("response contained no image")
	}
	return content, nil
}

func (g *ImageGenerator) buildConfig(req *pagegen.Request) *genai.GenerateContentConfig {
	genConfig := g.baseConfig()
	genConfig.ResponseModalities = []string{"TEXT", "IMAGE"}

	imageConfig := &genai.ImageConfig{}
	if req.Size != "" {
		imageConfig.ImageSize = req.Size.String()
	}
	if req.AspectRatio != "" {
		imageConfig.AspectRatio = req.AspectRatio.String()
	}
	genConfig.ImageConfig = imageConfig

	return genConfig
}

func (g *ImageGenerator) Capability() pagegen.Capability {
	return pagegen.CapabilityImage
}
