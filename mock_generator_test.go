package pagegen

import (
	"context"
)

// MockGenerator is a mock implementation of Generator.
type MockGenerator struct {
	GenerateFunc   func(ctx context.Context, req *Request) (*Content, error)
	CapabilityFunc func() Capability
	CloseFunc      func() error
}

func (m *MockGenerator) Generate(ctx context.Context, req *Request) (*Content, error) {
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	return imageContent(req.PageIndex), nil
}

func (m *MockGenerator) Capability() Capability {
	if m.CapabilityFunc != nil {
		return m.CapabilityFunc()
	}
	return CapabilityImage
}

func (m *MockGenerator) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func imageContent(page int) *Content {
	return &Content{
		Images: []Image{{Data: []byte{byte(page)}, MIMEType: "image/png"}},
	}
}

func outlineOf(n int) []Page {
	pages := make([]Page, n)
	for i := range pages {
		pages[i] = Page{Index: i, Kind: PageContent, Content: "page"}
	}
	return pages
}
