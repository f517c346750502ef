// Package storagetest provides an in-memory pagegen.Backend for tests of the
// stores and the service.
package storagetest

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/mhpenta/pagegen"
)

// ErrInjected is returned by operations after Fail was called.
var ErrInjected = errors.New("storagetest: injected failure")

// Memory is a goroutine-safe in-memory Backend. Values are deep-copied on the
// way in and out, like a real medium.
type Memory struct {
	kind pagegen.BackendKind

	mu      sync.Mutex
	configs map[pagegen.Capability]*pagegen.CapabilityConfig
	records map[string]*pagegen.HistoryRecord
	images  map[string]map[int]storedImage
	fail    map[string]error
	calls   map[string]int
	closed  bool
}

type storedImage struct {
	data []byte
	mime string
	ref  string
}

var _ pagegen.Backend = (*Memory)(nil)

// NewMemory returns an empty backend reporting kind.
func NewMemory(kind pagegen.BackendKind) *Memory {
	return &Memory{
		kind:    kind,
		configs: make(map[pagegen.Capability]*pagegen.CapabilityConfig),
		records: make(map[string]*pagegen.HistoryRecord),
		images:  make(map[string]map[int]storedImage),
		fail:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

// Fail makes op (a method name such as "SaveRecord") return err until
// cleared with a nil err.
func (m *Memory) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, op)
		return
	}
	m.fail[op] = err
}

// Calls reports how many times op was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// enter must be called with m.mu held.
func (m *Memory) enter(op string) error {
	m.calls[op]++
	return m.fail[op]
}

func (m *Memory) Kind() pagegen.BackendKind {
	return m.kind
}

func (m *Memory) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter("Ping")
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.enter("Close")
}

func (m *Memory) LoadCapability(_ context.Context, c pagegen.Capability) (*pagegen.CapabilityConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("LoadCapability"); err != nil {
		return nil, err
	}
	return m.configs[c].Clone(), nil
}

func (m *Memory) SaveCapability(_ context.Context, c pagegen.Capability, cfg *pagegen.CapabilityConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SaveCapability"); err != nil {
		return err
	}
	m.configs[c] = cfg.Clone()
	return nil
}

func (m *Memory) SaveRecord(_ context.Context, rec *pagegen.HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SaveRecord"); err != nil {
		return err
	}
	m.records[rec.ID] = rec.Clone()
	return nil
}

func (m *Memory) LoadRecord(_ context.Context, id string) (*pagegen.HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("LoadRecord"); err != nil {
		return nil, err
	}
	rec, ok := m.records[id]
	if !ok {
		return nil, &pagegen.NotFoundError{Kind: "record", ID: id}
	}
	return rec.Clone(), nil
}

func (m *Memory) ListRecords(_ context.Context, filter pagegen.ListFilter, p pagegen.Pagination) (*pagegen.PagedResult[pagegen.RecordSummary], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListRecords"); err != nil {
		return nil, err
	}

	needle := strings.ToLower(filter.TitleContains)
	var out []pagegen.RecordSummary
	for _, rec := range m.records {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(rec.Title), needle) {
			continue
		}
		out = append(out, rec.Summary())
	}
	slices.SortFunc(out, func(a, b pagegen.RecordSummary) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return pagegen.Paginate(out, p), nil
}

func (m *Memory) DeleteRecord(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteRecord"); err != nil {
		return err
	}
	if _, ok := m.records[id]; !ok {
		return &pagegen.NotFoundError{Kind: "record", ID: id}
	}
	delete(m.records, id)
	return nil
}

func (m *Memory) Statistics(_ context.Context) (*pagegen.Statistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Statistics"); err != nil {
		return nil, err
	}
	stats := &pagegen.Statistics{Total: len(m.records), ByStatus: make(map[pagegen.Status]int)}
	for _, rec := range m.records {
		stats.ByStatus[rec.Status]++
	}
	return stats, nil
}

func (m *Memory) PutImage(_ context.Context, batchID string, pageIndex int, data []byte, mimeType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("PutImage"); err != nil {
		return "", err
	}
	if !pagegen.SafeID(batchID) {
		return "", &pagegen.ValidationError{Field: "batch_id", Reason: fmt.Sprintf("invalid batch id %q", batchID)}
	}
	batch, ok := m.images[batchID]
	if !ok {
		batch = make(map[int]storedImage)
		m.images[batchID] = batch
	}
	ref := pagegen.ImageRef(batchID, pageIndex, mimeType)
	batch[pageIndex] = storedImage{data: slices.Clone(data), mime: mimeType, ref: ref}
	return ref, nil
}

func (m *Memory) GetImage(_ context.Context, ref string) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetImage"); err != nil {
		return nil, "", err
	}
	batchID, page, ok := pagegen.ParseImageRef(ref)
	if ok {
		if img, found := m.images[batchID][page]; found && img.ref == ref {
			return slices.Clone(img.data), img.mime, nil
		}
	}
	return nil, "", &pagegen.NotFoundError{Kind: "image", ID: ref}
}

func (m *Memory) ListImages(_ context.Context, batchID string) (map[int]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListImages"); err != nil {
		return nil, err
	}
	refs := make(map[int]string)
	for page, img := range m.images[batchID] {
		refs[page] = img.ref
	}
	return refs, nil
}

func (m *Memory) DeleteBatch(_ context.Context, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteBatch"); err != nil {
		return err
	}
	delete(m.images, batchID)
	return nil
}

// ImageCount reports how many images are stored for batchID.
func (m *Memory) ImageCount(batchID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.images[batchID])
}
