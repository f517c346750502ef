package pagegen

import (
	"cmp"
	"slices"
)

// Image is a single generated image.
type Image struct {
	// Data contains the raw image bytes
	Data []byte

	// MIMEType of the generated image
	MIMEType string

	// Index is the position in a multi-image result (0-indexed)
	Index int

	// RevisedPrompt is the prompt after any model modifications
	RevisedPrompt string
}

// Content is the result of a Generate call. Text generators fill Text;
// image generators fill Images.
type Content struct {
	Images []Image
	Text   string

	// ThinkingContent contains the model's reasoning
	ThinkingContent string

	UsageMetadata *UsageMetadata
}

// FirstImage returns the first image, if any.
func (c *Content) FirstImage() (Image, bool) {
	if c == nil || len(c.Images) == 0 {
		return Image{}, false
	}
	return c.Images[0], true
}

// UsageMetadata contains usage information for billing and monitoring.
type UsageMetadata struct {
	PromptTokens     int
	CandidatesTokens int
	TotalTokens      int
	ImageCount       int
}

// PageImage is a successfully generated page of a batch.
type PageImage struct {
	PageIndex int
	Image     Image
	// Ref is the storage reference returned by the sink, empty without one.
	Ref      string
	Attempts int
}

// PageFailure is a page that did not produce an image.
type PageFailure struct {
	PageIndex int
	Kind      ErrorKind
	Err       error
	Attempts  int
}

// Reason is the human-readable failure text.
func (f PageFailure) Reason() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return f.Err.Error()
}

// BatchResult reports every page of a batch. Both slices are ordered by
// PageIndex.
type BatchResult struct {
	Succeeded []PageImage
	Failed    []PageFailure
	Cancelled bool
}

// Complete reports whether every page produced an image.
func (r *BatchResult) Complete() bool {
	return r != nil && len(r.Failed) == 0
}

// SucceededIndexes returns the page indexes that produced an image.
func (r *BatchResult) SucceededIndexes() []int {
	out := make([]int, 0, len(r.Succeeded))
	for _, p := range r.Succeeded {
		out = append(out, p.PageIndex)
	}
	return out
}

// FailedIndexes returns the page indexes that did not produce an image.
func (r *BatchResult) FailedIndexes() []int {
	out := make([]int, 0, len(r.Failed))
	for _, f := range r.Failed {
		out = append(out, f.PageIndex)
	}
	return out
}

// MergeResults joins the results of batches run over disjoint pages.
func MergeResults(results ...*BatchResult) *BatchResult {
	merged := &BatchResult{}
	for _, r := range results {
		if r == nil {
			continue
		}
		merged.Succeeded = append(merged.Succeeded, r.Succeeded...)
		merged.Failed = append(merged.Failed, r.Failed...)
		merged.Cancelled = merged.Cancelled || r.Cancelled
	}
	slices.SortFunc(merged.Succeeded, func(a, b PageImage) int { return cmp.Compare(a.PageIndex, b.PageIndex) })
	slices.SortFunc(merged.Failed, func(a, b PageFailure) int { return cmp.Compare(a.PageIndex, b.PageIndex) })
	return merged
}
