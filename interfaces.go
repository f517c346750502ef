package pagegen

import "context"

// Generator is the capability contract implemented by every concrete provider.
// Implementations own their own HTTP client and credentials and never retry:
// failures are returned as *ProviderError and retry policy belongs to callers.
type Generator interface {
	// Generate runs one vendor call.
	Generate(ctx context.Context, req *Request) (*Content, error)

	// Capability reports which capability this generator serves.
	Capability() Capability

	// Close releases any resources held by the generator.
	Close() error
}

// Pinger is implemented by generators that can verify their credentials
// without generating content.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PageSink receives images as pages of a batch complete. It is never called
// for a page that completes after the batch was cancelled.
type PageSink interface {
	// SavePage persists img and returns its storage reference.
	SavePage(ctx context.Context, pageIndex int, img Image) (string, error)
}

// PageSinkFunc adapts a function to PageSink.
type PageSinkFunc func(ctx context.Context, pageIndex int, img Image) (string, error)

func (f PageSinkFunc) SavePage(ctx context.Context, pageIndex int, img Image) (string, error) {
	return f(ctx, pageIndex, img)
}

// ConfigBackend persists one CapabilityConfig per capability.
type ConfigBackend interface {
	// LoadCapability returns an empty config when nothing is stored.
	LoadCapability(ctx context.Context, c Capability) (*CapabilityConfig, error)

	// SaveCapability replaces the stored config. It is durable on return.
	SaveCapability(ctx context.Context, c Capability, cfg *CapabilityConfig) error
}

// HistoryBackend persists history records, including their image refs.
type HistoryBackend interface {
	SaveRecord(ctx context.Context, rec *HistoryRecord) error
	// LoadRecord returns *NotFoundError when id is absent.
	LoadRecord(ctx context.Context, id string) (*HistoryRecord, error)
	ListRecords(ctx context.Context, filter ListFilter, p Pagination) (*PagedResult[RecordSummary], error)
	// DeleteRecord removes the record and its image rows.
	DeleteRecord(ctx context.Context, id string) error
	Statistics(ctx context.Context) (*Statistics, error)
}

// ObjectStore holds generated image bytes grouped by batch.
type ObjectStore interface {
	PutImage(ctx context.Context, batchID string, pageIndex int, data []byte, mimeType string) (string, error)
	// GetImage returns the bytes and MIME type stored under ref, or
	// *NotFoundError.
	GetImage(ctx context.Context, ref string) ([]byte, string, error)
	// ListImages returns the stored refs of a batch keyed by page index.
	ListImages(ctx context.Context, batchID string) (map[int]string, error)
	DeleteBatch(ctx context.Context, batchID string) error
}

// Backend is one persistence medium serving both stores.
type Backend interface {
	ConfigBackend
	HistoryBackend
	ObjectStore

	Kind() BackendKind

	// Ping verifies the backend with a lightweight round-trip.
	Ping(ctx context.Context) error

	Close() error
}
