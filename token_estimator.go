package pagegen

import (
	"math"
)

// TokenEstimator approximates the token cost of a prompt for rate limiting.
type TokenEstimator interface {
	EstimateTokens(text string) int
}

// SimpleTokenEstimator assumes four characters per token plus a margin.
type SimpleTokenEstimator struct {
	SafetyMargin float64
}

func NewSimpleTokenEstimator() *SimpleTokenEstimator {
	return &SimpleTokenEstimator{
		SafetyMargin: 1.2,
	}
}

func (e *SimpleTokenEstimator) EstimateTokens(text string) int {
	if text == "" {
		return 0
	}

	charCount := len([]rune(text))
	tokenEstimate := float64(charCount) / 4.0
	tokenEstimate *= e.SafetyMargin

	return int(math.Ceil(tokenEstimate)) + 3
}

// RequestTokens estimates the cost of req, including the system prompt.
func RequestTokens(e TokenEstimator, req *Request) int {
	if req == nil {
		return 0
	}
	return e.EstimateTokens(req.SystemPrompt) + e.EstimateTokens(req.Prompt)
}
