package pagegen

import (
	"fmt"
	"strings"
)

// Cover returns the page rendered first in a batch and used as the style
// reference for the rest: the first cover page, or page 0.
func (o Outline) Cover() (Page, bool) {
	for _, p := range o {
		if p.Kind == PageCover {
			return p, true
		}
	}
	for _, p := range o {
		if p.Index == 0 {
			return p, true
		}
	}
	return Page{}, false
}

// Text renders the outline one page per line, for prompt context.
func (o Outline) Text() string {
	var b strings.Builder
	for i, p := range o {
		if i > 0 {
			b.WriteByte('\n')
		}
		kind := p.Kind
		if kind == "" {
			kind = PageContent
		}
		fmt.Fprintf(&b, "[%d %s] %s", p.Index, kind, p.Content)
	}
	return b.String()
}

// ReferenceImage turns a generated image into a reference input.
func ReferenceImage(img Image) InputImage {
	mime := img.MIMEType
	if mime == "" {
		mime = SniffMIMEType(img.Data)
	}
	return InputImage{Data: img.Data, MIMEType: mime}
}

// ReferenceBuilder wraps base so that every request carries the full outline
// as context and, when ref is non-nil, ref as a reference image.
func ReferenceBuilder(base RequestBuilder, outline Outline, ref *InputImage) RequestBuilder {
	if base == nil {
		base = DefaultRequestBuilder
	}
	outlineText := outline.Text()
	return func(page Page) *Request {
		req := base(page)
		if outlineText != "" {
			req.Prompt += "\n\nFull outline:\n" + outlineText
		}
		if ref != nil && len(req.ReferenceImages) < MaxInputImages {
			req.ReferenceImages = append(req.ReferenceImages, *ref)
		}
		return req
	}
}
