package pagegen

import (
	"maps"
	"time"
)

// Capability is one of the two generation kinds.
type Capability string

const (
	CapabilityText  Capability = "text"
	CapabilityImage Capability = "image"
)

// Capabilities lists every supported capability.
var Capabilities = []Capability{CapabilityText, CapabilityImage}

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	return c == CapabilityText || c == CapabilityImage
}

func (c Capability) String() string {
	return string(c)
}

// ProviderType tags the concrete implementation a ProviderConfig selects.
type ProviderType string

const (
	ProviderOpenAICompatible ProviderType = "openai_compatible"
	ProviderGoogleGenAI      ProviderType = "google_genai"
	ProviderImageAPI         ProviderType = "image_api"
)

func (p ProviderType) String() string {
	return string(p)
}

// EndpointType selects how image_api and OpenAI-compatible image providers
// are called.
type EndpointType string

const (
	EndpointImages EndpointType = "images"
	EndpointChat   EndpointType = "chat"
)

// ProviderConfig is one named provider configuration.
type ProviderConfig struct {
	Name            string       `json:"name" yaml:"name" validate:"required"`
	Type            ProviderType `json:"provider_type" yaml:"provider_type" validate:"required,oneof=openai_compatible google_genai image_api"`
	APIKey          string       `json:"api_key" yaml:"api_key" validate:"required"`
	BaseURL         string       `json:"base_url,omitempty" yaml:"base_url,omitempty" validate:"omitempty,url"`
	Model           string       `json:"model" yaml:"model" validate:"required"`
	HighConcurrency bool         `json:"high_concurrency" yaml:"high_concurrency"`

	// Optional tuning.
	EndpointType    EndpointType `json:"endpoint_type,omitempty" yaml:"endpoint_type,omitempty" validate:"omitempty,oneof=images chat"`
	DefaultSize     string       `json:"default_size,omitempty" yaml:"default_size,omitempty"`
	Quality         string       `json:"quality,omitempty" yaml:"quality,omitempty"`
	Temperature     *float64     `json:"temperature,omitempty" yaml:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxOutputTokens int          `json:"max_output_tokens,omitempty" yaml:"max_output_tokens,omitempty" validate:"gte=0"`
	MaxConcurrent   int          `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty" validate:"gte=0,lte=6"`
}

// Clone returns a deep copy of c.
func (c ProviderConfig) Clone() ProviderConfig {
	if c.Temperature != nil {
		t := *c.Temperature
		c.Temperature = &t
	}
	return c
}

// Masked returns a copy with the API key masked for display.
func (c ProviderConfig) Masked() ProviderConfig {
	masked := c.Clone()
	masked.APIKey = MaskAPIKey(c.APIKey)
	return masked
}

// MaskAPIKey keeps the first and last four characters of key.
func MaskAPIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// CapabilityConfig holds every provider registered for a capability and the
// name of the active one. ActiveProvider, when set, always names an entry in
// Providers.
type CapabilityConfig struct {
	ActiveProvider string                    `json:"active_provider,omitempty" yaml:"active_provider,omitempty"`
	Providers      map[string]ProviderConfig `json:"providers" yaml:"providers"`
}

// NewCapabilityConfig returns an empty config.
func NewCapabilityConfig() *CapabilityConfig {
	return &CapabilityConfig{Providers: make(map[string]ProviderConfig)}
}

// Clone returns a deep copy of c.
func (c *CapabilityConfig) Clone() *CapabilityConfig {
	if c == nil {
		return NewCapabilityConfig()
	}
	out := &CapabilityConfig{
		ActiveProvider: c.ActiveProvider,
		Providers:      make(map[string]ProviderConfig, len(c.Providers)),
	}
	for name, p := range c.Providers {
		out.Providers[name] = p.Clone()
	}
	return out
}

// Active returns the active provider config, if any.
func (c *CapabilityConfig) Active() (ProviderConfig, bool) {
	if c == nil || c.ActiveProvider == "" {
		return ProviderConfig{}, false
	}
	p, ok := c.Providers[c.ActiveProvider]
	return p.Clone(), ok
}

// Names returns the provider names in unspecified order.
func (c *CapabilityConfig) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Providers))
	for name := range maps.Keys(c.Providers) {
		names = append(names, name)
	}
	return names
}

// BackendKind selects the persistence medium.
type BackendKind string

const (
	BackendLocal  BackendKind = "local"
	BackendHosted BackendKind = "hosted"
)

func (b BackendKind) String() string {
	return string(b)
}

// Status is the lifecycle state of a HistoryRecord.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusGenerating Status = "generating"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusGenerating, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// PageKind describes the role of a page in an outline.
type PageKind string

const (
	PageCover   PageKind = "cover"
	PageContent PageKind = "content"
	PageSummary PageKind = "summary"
)

// Page is one entry of an outline.
type Page struct {
	Index   int      `json:"index"`
	Kind    PageKind `json:"kind,omitempty"`
	Content string   `json:"content"`
}

// Outline is the ordered page list of a record.
type Outline []Page

// GeneratedImage links a stored image to its record and page.
type GeneratedImage struct {
	RecordID  string `json:"record_id"`
	PageIndex int    `json:"page_index"`
	Ref       string `json:"ref"`
}

// PageFailureEntry is the last recorded failure for a page of a record.
type PageFailureEntry struct {
	PageIndex int       `json:"page_index"`
	Kind      ErrorKind `json:"kind"`
	Reason    string    `json:"reason"`
}

// HistoryRecord is one generation record.
type HistoryRecord struct {
	ID        string             `json:"id"`
	Title     string             `json:"title"`
	Outline   Outline            `json:"outline"`
	BatchID   string             `json:"batch_id,omitempty"`
	Status    Status             `json:"status"`
	Thumbnail string             `json:"thumbnail,omitempty"`
	Images    []GeneratedImage   `json:"images"`
	Failures  []PageFailureEntry `json:"failures,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Clone returns a deep copy of r.
func (r *HistoryRecord) Clone() *HistoryRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Outline = append(Outline(nil), r.Outline...)
	out.Images = append([]GeneratedImage(nil), r.Images...)
	out.Failures = append([]PageFailureEntry(nil), r.Failures...)
	return &out
}

// Summary returns the index entry for r.
func (r *HistoryRecord) Summary() RecordSummary {
	return RecordSummary{
		ID:        r.ID,
		Title:     r.Title,
		Status:    r.Status,
		Thumbnail: r.Thumbnail,
		PageCount: len(r.Outline),
		BatchID:   r.BatchID,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// RecordSummary is the list view of a HistoryRecord.
type RecordSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    Status    `json:"status"`
	Thumbnail string    `json:"thumbnail,omitempty"`
	PageCount int       `json:"page_count"`
	BatchID   string    `json:"batch_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListFilter narrows History list results. Empty fields match everything.
type ListFilter struct {
	Status        Status
	TitleContains string
}

// Statistics counts records by status.
type Statistics struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
}
