package local

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/mhpenta/pagegen"
)

// index is history/index.json: one summary per record, used for listing
// without opening every record file.
type index struct {
	path string
	mu   sync.Mutex
}

func (ix *index) load() ([]pagegen.RecordSummary, error) {
	var entries []pagegen.RecordSummary
	err := readJSON(ix.path, &entries)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history index: %w", err)
	}
	return entries, nil
}

// update applies fn to the index under lock and writes the result.
func (ix *index) update(fn func([]pagegen.RecordSummary) []pagegen.RecordSummary) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	entries, err := ix.load()
	if err != nil {
		return err
	}
	entries = fn(entries)
	if entries == nil {
		entries = []pagegen.RecordSummary{}
	}
	if err := writeJSON(ix.path, entries); err != nil {
		return fmt.Errorf("write history index: %w", err)
	}
	return nil
}

func (ix *index) snapshot() ([]pagegen.RecordSummary, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.load()
}

// SaveRecord writes the record file, then its index entry. When the index
// write fails the record file is put back as it was.
func (b *Backend) SaveRecord(_ context.Context, rec *pagegen.HistoryRecord) error {
	if !pagegen.SafeID(rec.ID) {
		return &pagegen.ValidationError{Field: "id", Reason: fmt.Sprintf("invalid record id %q", rec.ID)}
	}
	path := b.recordPath(rec.ID)
	prev, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read record %s: %w", rec.ID, err)
	}
	existed := err == nil

	if err := writeJSON(path, rec); err != nil {
		return fmt.Errorf("write record %s: %w", rec.ID, err)
	}

	summary := rec.Summary()
	err = b.index.update(func(entries []pagegen.RecordSummary) []pagegen.RecordSummary {
		if i := slices.IndexFunc(entries, func(e pagegen.RecordSummary) bool { return e.ID == rec.ID }); i >= 0 {
			entries[i] = summary
			return entries
		}
		return append(entries, summary)
	})
	if err != nil {
		b.restoreRecord(path, prev, existed)
		return err
	}
	return nil
}

func (b *Backend) restoreRecord(path string, prev []byte, existed bool) {
	var err error
	if existed {
		err = writeFileAtomic(path, prev)
	} else {
		err = os.Remove(path)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		b.logger.Error("failed to restore record after index write failure", "path", path, "error", err.Error())
	}
}

func (b *Backend) LoadRecord(_ context.Context, id string) (*pagegen.HistoryRecord, error) {
	if !pagegen.SafeID(id) {
		return nil, &pagegen.NotFoundError{Kind: "record", ID: id}
	}
	var rec pagegen.HistoryRecord
	err := readJSON(b.recordPath(id), &rec)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &pagegen.NotFoundError{Kind: "record", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", id, err)
	}
	return &rec, nil
}

// ListRecords filters the index, newest first.
func (b *Backend) ListRecords(_ context.Context, filter pagegen.ListFilter, p pagegen.Pagination) (*pagegen.PagedResult[pagegen.RecordSummary], error) {
	entries, err := b.index.snapshot()
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(filter.TitleContains)
	matched := slices.DeleteFunc(entries, func(e pagegen.RecordSummary) bool {
		if filter.Status != "" && e.Status != filter.Status {
			return true
		}
		return needle != "" && !strings.Contains(strings.ToLower(e.Title), needle)
	})
	SortNewestFirst(matched)

	return pagegen.Paginate(matched, p), nil
}

// SortNewestFirst orders summaries by creation time, newest first, with the
// id as tie-breaker.
func SortNewestFirst(entries []pagegen.RecordSummary) {
	slices.SortStableFunc(entries, func(a, b pagegen.RecordSummary) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// DeleteRecord removes the record file and index entry. Image files are
// removed separately with DeleteBatch.
func (b *Backend) DeleteRecord(_ context.Context, id string) error {
	if !pagegen.SafeID(id) {
		return &pagegen.NotFoundError{Kind: "record", ID: id}
	}
	err := os.Remove(b.recordPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return &pagegen.NotFoundError{Kind: "record", ID: id}
	}
	if err != nil {
		return fmt.Errorf("delete record %s: %w", id, err)
	}

	return b.index.update(func(entries []pagegen.RecordSummary) []pagegen.RecordSummary {
		return slices.DeleteFunc(entries, func(e pagegen.RecordSummary) bool { return e.ID == id })
	})
}

func (b *Backend) Statistics(_ context.Context) (*pagegen.Statistics, error) {
	entries, err := b.index.snapshot()
	if err != nil {
		return nil, err
	}
	stats := &pagegen.Statistics{Total: len(entries), ByStatus: make(map[pagegen.Status]int)}
	for _, e := range entries {
		stats.ByStatus[e.Status]++
	}
	return stats, nil
}
