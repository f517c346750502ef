// Package history records generation runs: the outline, the batch that
// rendered it, per-page results and the final status.
package history

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/mhpenta/pagegen"
	"github.com/mhpenta/pagegen/internal/keylock"
)

// Backends supplies the active backend for each operation.
type Backends interface {
	Current() pagegen.Backend
}

// PageOutcome is the result of one page: a stored image ref, or a failure.
type PageOutcome struct {
	Ref    string
	Kind   pagegen.ErrorKind
	Reason string
}

// Succeeded reports whether the outcome carries an image ref.
func (o PageOutcome) Succeeded() bool {
	return o.Ref != ""
}

// Success is the outcome of a stored page image.
func Success(ref string) PageOutcome {
	return PageOutcome{Ref: ref}
}

// Failure is the outcome of a page that produced no image.
func Failure(f pagegen.PageFailure) PageOutcome {
	return PageOutcome{Kind: f.Kind, Reason: f.Reason()}
}

// Store is the History Store. Writes to one record are serialized.
type Store struct {
	backends Backends
	locks    *keylock.KeyLock
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a Store over backends.
func New(backends Backends, opts ...Option) *Store {
	s := &Store{
		backends: backends,
		locks:    keylock.New(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a draft record for outline and returns its id.
func (s *Store) Create(ctx context.Context, title string, outline pagegen.Outline) (string, error) {
	if err := pagegen.ValidateOutline(outline); err != nil {
		return "", err
	}

	sorted := slices.Clone(outline)
	slices.SortFunc(sorted, func(a, b pagegen.Page) int { return cmp.Compare(a.Index, b.Index) })

	now := s.now().UTC()
	rec := &pagegen.HistoryRecord{
		ID:        uuid.NewString(),
		Title:     title,
		Outline:   sorted,
		Status:    pagegen.StatusDraft,
		Images:    []pagegen.GeneratedImage{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	backend := s.backends.Current()
	if err := backend.SaveRecord(ctx, rec); err != nil {
		s.written(backend, err)
		return "", fmt.Errorf("create record: %w", err)
	}
	s.written(backend, nil)
	s.logger.Info("record created", "record_id", rec.ID, "pages", len(sorted))
	return rec.ID, nil
}

// Get returns the record id, or *pagegen.NotFoundError.
func (s *Store) Get(ctx context.Context, id string) (*pagegen.HistoryRecord, error) {
	return s.backends.Current().LoadRecord(ctx, id)
}

// List returns one page of record summaries, newest first. page and
// pageSize are clamped.
func (s *Store) List(ctx context.Context, filter pagegen.ListFilter, page, pageSize int) (*pagegen.PagedResult[pagegen.RecordSummary], error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &pagegen.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", filter.Status)}
	}
	return s.backends.Current().ListRecords(ctx, filter, pagegen.NewPagination(page, pageSize))
}

// Statistics counts records by status.
func (s *Store) Statistics(ctx context.Context) (*pagegen.Statistics, error) {
	return s.backends.Current().Statistics(ctx)
}

// AttachBatch binds batchID to the record and marks it generating. A
// complete record cannot be regenerated. Attaching a different batch
// replaces the previous one: its stored images are deleted and the record's
// page results are cleared.
func (s *Store) AttachBatch(ctx context.Context, id, batchID string) error {
	if !pagegen.SafeID(batchID) {
		return &pagegen.ValidationError{Field: "batch_id", Reason: fmt.Sprintf("invalid batch id %q", batchID)}
	}
	return s.updateWith(ctx, id, "attach batch", func(backend pagegen.Backend, rec *pagegen.HistoryRecord) error {
		if rec.Status == pagegen.StatusComplete {
			return &pagegen.InvalidStateError{ID: id, Current: rec.Status, Op: "attach batch"}
		}
		if rec.BatchID != "" && rec.BatchID != batchID {
			if err := backend.DeleteBatch(ctx, rec.BatchID); err != nil {
				return fmt.Errorf("delete replaced batch %s: %w", rec.BatchID, err)
			}
			s.logger.Info("replaced batch deleted", "record_id", id, "batch_id", rec.BatchID)
			rec.Images = []pagegen.GeneratedImage{}
			rec.Failures = nil
			rec.Thumbnail = ""
		}
		rec.BatchID = batchID
		rec.Status = pagegen.StatusGenerating
		return nil
	})
}

// Reopen moves a complete or failed record back to generating so pages of
// its existing batch can be rendered again. It returns the batch id.
func (s *Store) Reopen(ctx context.Context, id string) (string, error) {
	var batchID string
	err := s.update(ctx, id, "reopen", func(rec *pagegen.HistoryRecord) error {
		switch rec.Status {
		case pagegen.StatusComplete, pagegen.StatusFailed:
		default:
			return &pagegen.InvalidStateError{ID: id, Current: rec.Status, Op: "reopen"}
		}
		if rec.BatchID == "" {
			return &pagegen.InvalidStateError{ID: id, Current: rec.Status, Op: "reopen without a batch"}
		}
		batchID = rec.BatchID
		rec.Status = pagegen.StatusGenerating
		return nil
	})
	if err != nil {
		return "", err
	}
	return batchID, nil
}

// Update replaces the title and outline of a draft or failed record. An
// empty title or a nil outline keeps the current value. Page results outside
// the new outline are dropped.
func (s *Store) Update(ctx context.Context, id, title string, outline pagegen.Outline) error {
	var sorted pagegen.Outline
	if outline != nil {
		if err := pagegen.ValidateOutline(outline); err != nil {
			return err
		}
		sorted = slices.Clone(outline)
		slices.SortFunc(sorted, func(a, b pagegen.Page) int { return cmp.Compare(a.Index, b.Index) })
	}

	return s.update(ctx, id, "update", func(rec *pagegen.HistoryRecord) error {
		switch rec.Status {
		case pagegen.StatusDraft, pagegen.StatusFailed:
		default:
			return &pagegen.InvalidStateError{ID: id, Current: rec.Status, Op: "update"}
		}
		if title != "" {
			rec.Title = title
		}
		if sorted != nil {
			rec.Outline = sorted
			n := len(sorted)
			rec.Images = slices.DeleteFunc(rec.Images, func(img pagegen.GeneratedImage) bool { return img.PageIndex >= n })
			rec.Failures = slices.DeleteFunc(rec.Failures, func(f pagegen.PageFailureEntry) bool { return f.PageIndex >= n })
		}
		return nil
	})
}

// RecordPageResult stores the outcome of one page. Recording the same page
// again replaces the earlier outcome; a success clears the page's failure.
func (s *Store) RecordPageResult(ctx context.Context, id string, pageIndex int, outcome PageOutcome) error {
	return s.update(ctx, id, "record page result", func(rec *pagegen.HistoryRecord) error {
		if err := checkPageResult(rec, pageIndex); err != nil {
			return err
		}
		applyOutcome(rec, pageIndex, outcome)
		return nil
	})
}

func checkPageResult(rec *pagegen.HistoryRecord, pageIndex int) error {
	switch rec.Status {
	case pagegen.StatusGenerating, pagegen.StatusFailed:
	default:
		return &pagegen.InvalidStateError{ID: rec.ID, Current: rec.Status, Op: "record page result"}
	}
	if pageIndex < 0 || pageIndex >= len(rec.Outline) {
		return &pagegen.ValidationError{
			Field:  "page_index",
			Reason: fmt.Sprintf("page %d outside outline of %d pages", pageIndex, len(rec.Outline)),
		}
	}
	return nil
}

func applyOutcome(rec *pagegen.HistoryRecord, pageIndex int, outcome PageOutcome) {
	rec.Images = slices.DeleteFunc(rec.Images, func(img pagegen.GeneratedImage) bool { return img.PageIndex == pageIndex })
	rec.Failures = slices.DeleteFunc(rec.Failures, func(f pagegen.PageFailureEntry) bool { return f.PageIndex == pageIndex })

	if outcome.Succeeded() {
		rec.Images = append(rec.Images, pagegen.GeneratedImage{RecordID: rec.ID, PageIndex: pageIndex, Ref: outcome.Ref})
		slices.SortFunc(rec.Images, func(a, b pagegen.GeneratedImage) int { return cmp.Compare(a.PageIndex, b.PageIndex) })
	} else {
		kind := outcome.Kind
		if kind == "" {
			kind = pagegen.KindInvalidResponse
		}
		rec.Failures = append(rec.Failures, pagegen.PageFailureEntry{PageIndex: pageIndex, Kind: kind, Reason: outcome.Reason})
		slices.SortFunc(rec.Failures, func(a, b pagegen.PageFailureEntry) int { return cmp.Compare(a.PageIndex, b.PageIndex) })
	}

	rec.Thumbnail = ""
	if len(rec.Images) > 0 && rec.Images[0].PageIndex == 0 {
		rec.Thumbnail = rec.Images[0].Ref
	}
}

// Finalize moves a generating record to status, which must be complete or
// failed.
func (s *Store) Finalize(ctx context.Context, id string, status pagegen.Status) error {
	if status != pagegen.StatusComplete && status != pagegen.StatusFailed {
		return &pagegen.ValidationError{Field: "status", Reason: fmt.Sprintf("cannot finalize as %q", status)}
	}
	return s.update(ctx, id, "finalize", func(rec *pagegen.HistoryRecord) error {
		if rec.Status != pagegen.StatusGenerating {
			return &pagegen.InvalidStateError{ID: id, Current: rec.Status, Op: "finalize"}
		}
		rec.Status = status
		return nil
	})
}

// Delete removes the record's stored images, then the record and its image
// rows. A failed image delete leaves the record in place.
func (s *Store) Delete(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	backend := s.backends.Current()
	rec, err := backend.LoadRecord(ctx, id)
	if err != nil {
		return err
	}

	if rec.BatchID != "" {
		if err := backend.DeleteBatch(ctx, rec.BatchID); err != nil {
			s.logger.Warn("failed to delete record images", "record_id", id, "batch_id", rec.BatchID, "error", err.Error())
			return fmt.Errorf("delete images of record %s: %w", id, err)
		}
	}
	if err := backend.DeleteRecord(ctx, id); err != nil {
		s.written(backend, err)
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	s.written(backend, nil)
	s.logger.Info("record deleted", "record_id", id)
	return nil
}

// SavePageImage stores img in the record's batch and records its ref.
func (s *Store) SavePageImage(ctx context.Context, id string, pageIndex int, img pagegen.Image) (string, error) {
	var ref string
	err := s.updateWith(ctx, id, "save page image", func(backend pagegen.Backend, rec *pagegen.HistoryRecord) error {
		if err := checkPageResult(rec, pageIndex); err != nil {
			return err
		}
		if rec.BatchID == "" {
			return &pagegen.InvalidStateError{ID: id, Current: rec.Status, Op: "save page image without a batch"}
		}
		mime := img.MIMEType
		if mime == "" {
			mime = pagegen.SniffMIMEType(img.Data)
		}
		var err error
		ref, err = backend.PutImage(ctx, rec.BatchID, pageIndex, img.Data, mime)
		if err != nil {
			return fmt.Errorf("store page %d image: %w", pageIndex, err)
		}
		applyOutcome(rec, pageIndex, Success(ref))
		return nil
	})
	if err != nil {
		return "", err
	}
	return ref, nil
}

// Sink adapts SavePageImage for the orchestrator.
func (s *Store) Sink(id string) pagegen.PageSink {
	return pagegen.PageSinkFunc(func(ctx context.Context, pageIndex int, img pagegen.Image) (string, error) {
		return s.SavePageImage(ctx, id, pageIndex, img)
	})
}

// Image returns the bytes stored under ref.
func (s *Store) Image(ctx context.Context, ref string) ([]byte, string, error) {
	return s.backends.Current().GetImage(ctx, ref)
}

// FailedPages lists the outline pages that have no image, in order.
func (s *Store) FailedPages(ctx context.Context, id string) ([]int, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return missingPages(rec), nil
}

func missingPages(rec *pagegen.HistoryRecord) []int {
	have := make(map[int]bool, len(rec.Images))
	for _, img := range rec.Images {
		have[img.PageIndex] = true
	}
	var missing []int
	for _, p := range rec.Outline {
		if !have[p.Index] {
			missing = append(missing, p.Index)
		}
	}
	slices.Sort(missing)
	return missing
}

// Sync records images present in the batch's storage but missing from the
// record, such as pages stored before a crash. It returns how many refs were
// added. Complete records are left alone.
func (s *Store) Sync(ctx context.Context, id string) (int, error) {
	added := 0
	err := s.updateWith(ctx, id, "sync", func(backend pagegen.Backend, rec *pagegen.HistoryRecord) error {
		if rec.BatchID == "" || rec.Status == pagegen.StatusComplete {
			return errNoChange
		}
		refs, err := backend.ListImages(ctx, rec.BatchID)
		if err != nil {
			return fmt.Errorf("list batch %s: %w", rec.BatchID, err)
		}
		for _, page := range missingPages(rec) {
			if ref, ok := refs[page]; ok {
				applyOutcome(rec, page, Success(ref))
				added++
			}
		}
		if added == 0 {
			return errNoChange
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if added > 0 {
		s.logger.Info("record synced", "record_id", id, "added", added)
	}
	return added, nil
}

// SyncAll runs Sync on every record that is not complete and returns the
// total number of refs added. A record that fails to sync does not stop the
// others; their errors are joined.
func (s *Store) SyncAll(ctx context.Context) (int, error) {
	var ids []string
	for page := 1; ; page++ {
		res, err := s.backends.Current().ListRecords(ctx, pagegen.ListFilter{}, pagegen.NewPagination(page, pagegen.MaxPageSize))
		if err != nil {
			return 0, fmt.Errorf("list records: %w", err)
		}
		for _, sum := range res.Items {
			if sum.Status != pagegen.StatusComplete && sum.BatchID != "" {
				ids = append(ids, sum.ID)
			}
		}
		if page >= res.TotalPages {
			break
		}
	}

	total := 0
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		added, err := s.Sync(ctx, id)
		if err != nil {
			if pagegen.IsNotFound(err) {
				continue
			}
			errs = append(errs, fmt.Errorf("sync record %s: %w", id, err))
			continue
		}
		total += added
	}
	s.logger.Info("records synced", "scanned", len(ids), "added", total)
	return total, errors.Join(errs...)
}
