package openai

import (
	"context"

	"github.com/mhpenta/pagegen"
	openai "github.com/openai/openai-go"
)

// TextGenerator calls the chat completions endpoint.
type TextGenerator struct {
	*client
}

var (
	_ pagegen.Generator = (*TextGenerator)(nil)
	_ pagegen.Pinger    = (*TextGenerator)(nil)
)

// NewText creates a TextGenerator. cfg must already be validated.
func NewText(_ context.Context, cfg pagegen.ProviderConfig, opts ...Option) (*TextGenerator, error) {
	return &TextGenerator{client: newClient(cfg, opts)}, nil
}

// Generate sends the system and user prompt as a single chat turn.
func (g *TextGenerator) Generate(ctx context.Context, req *pagegen.Request) (*pagegen.Content, error) {
	if err := pagegen.ValidateRequest(req); err != nil {
		return nil, err
	}

	var msgs []openai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(req.SystemPrompt))
	}
	msgs = append(msgs, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(g.cfg.Model),
		Messages: msgs,
	}
	if g.cfg.Temperature != nil {
		params.Temperature = openai.Float(*g.cfg.Temperature)
	}
	if g.cfg.MaxOutputTokens > 0 {
		params.MaxTokens = openai.Int(int64(g.cfg.MaxOutputTokens))
	}

	resp, err := g.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, g.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, g.invalid("empty choices")
	}

	return &pagegen.Content{
		Text: resp.Choices[0].Message.Content,
		UsageMetadata: &pagegen.UsageMetadata{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CandidatesTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func (g *TextGenerator) Capability() pagegen.Capability {
	return pagegen.CapabilityText
}

func (g *TextGenerator) Close() error {
	return nil
}
