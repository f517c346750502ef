package gemini

import (
	"context"

	"github.com/mhpenta/pagegen"
	"google.golang.org/genai"
)

// TextGenerator produces text with a Gemini model.
type TextGenerator struct {
	*client
}

var (
	_ pagegen.Generator = (*TextGenerator)(nil)
	_ pagegen.Pinger    = (*TextGenerator)(nil)
)

// NewText creates a TextGenerator. cfg must already be validated.
func NewText(ctx context.Context, cfg pagegen.ProviderConfig, opts ...Option) (*TextGenerator, error) {
	c, err := newClient(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	return &TextGenerator{client: c}, nil
}

func (g *TextGenerator) Generate(ctx context.Context, req *pagegen.Request) (*pagegen.Content, error) {
	if err := pagegen.ValidateRequest(req); err != nil {
		return nil, err
	}

	genConfig := g.baseConfig()
	if req.SystemPrompt != "" {
		genConfig.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
		}
	}

	contents := []*genai.Content{
		{Role: "user", Parts: []*genai.Part{{Text: req.Prompt}}},
	}

	content, err := g.generate(ctx, contents, genConfig)
	if err != nil {
		return nil, err
	}
	if content.Text == "" {
		return nil, g.invalid("response contained no text")
	}
	return content, nil
}

func (g *TextGenerator) Capability() pagegen.Capability {
	return pagegen.CapabilityText
}
