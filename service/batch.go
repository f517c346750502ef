package service

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/mhpenta/pagegen"
	"github.com/mhpenta/pagegen/history"
)

// BatchReport is the outcome of GenerateImages or RetryFailedPages.
type BatchReport struct {
	RecordID string
	BatchID  string
	Status   pagegen.Status
	Result   *pagegen.BatchResult
}

// ReportSummary is the JSON view of a BatchReport.
type ReportSummary struct {
	RecordID  string         `json:"record_id"`
	BatchID   string         `json:"batch_id"`
	Status    pagegen.Status `json:"status"`
	Succeeded []int          `json:"succeeded"`
	Failed    []FailedPage   `json:"failed,omitempty"`
	Cancelled bool           `json:"cancelled"`
}

// FailedPage is one failure in a ReportSummary.
type FailedPage struct {
	PageIndex int               `json:"page_index"`
	Kind      pagegen.ErrorKind `json:"kind"`
	Reason    string            `json:"reason"`
	Attempts  int               `json:"attempts"`
}

// Summary flattens the report for display.
func (r *BatchReport) Summary() ReportSummary {
	s := ReportSummary{
		RecordID:  r.RecordID,
		BatchID:   r.BatchID,
		Status:    r.Status,
		Succeeded: r.Result.SucceededIndexes(),
		Cancelled: r.Result.Cancelled,
	}
	for _, f := range r.Result.Failed {
		s.Failed = append(s.Failed, FailedPage{PageIndex: f.PageIndex, Kind: f.Kind, Reason: f.Reason(), Attempts: f.Attempts})
	}
	return s
}

// GenerateImages renders every page of the record with the image provider
// active at call time, in a new batch.
func (s *Service) GenerateImages(ctx context.Context, recordID string) (*BatchReport, error) {
	rec, err := s.history.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Status == pagegen.StatusComplete {
		return nil, &pagegen.InvalidStateError{ID: recordID, Current: rec.Status, Op: "generate images"}
	}
	return s.runBatch(ctx, rec, uuid.NewString(), rec.Outline)
}

// RetryFailedPages re-renders only the pages of a failed record that have
// no image, in the record's existing batch.
func (s *Service) RetryFailedPages(ctx context.Context, recordID string) (*BatchReport, error) {
	rec, err := s.history.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Status != pagegen.StatusFailed {
		return nil, &pagegen.InvalidStateError{ID: recordID, Current: rec.Status, Op: "retry failed pages"}
	}

	if _, err := s.history.Sync(ctx, recordID); err != nil {
		return nil, err
	}
	missing, err := s.history.FailedPages(ctx, recordID)
	if err != nil {
		return nil, err
	}
	pages := slices.DeleteFunc(slices.Clone(rec.Outline), func(p pagegen.Page) bool {
		return !slices.Contains(missing, p.Index)
	})

	batchID := rec.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}
	return s.runBatch(ctx, rec, batchID, pages)
}

func (s *Service) runBatch(ctx context.Context, rec *pagegen.HistoryRecord, batchID string, pages []pagegen.Page) (*BatchReport, error) {
	ctx, log := s.contextLogger(ctx, rec.ID)

	// Snapshot: the provider active now serves the whole batch.
	p, err := s.configs.Active(ctx, pagegen.CapabilityImage)
	if err != nil {
		return nil, err
	}
	gen, err := s.generators.Build(ctx, pagegen.CapabilityImage, p)
	if err != nil {
		return nil, err
	}

	batchCtx, r, err := s.register(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	defer s.unregister(rec.ID, r)

	if err := s.history.AttachBatch(ctx, rec.ID, batchID); err != nil {
		return nil, err
	}

	limit := pagegen.ConcurrencyLimit(p, s.highLimit)
	log.Info("starting image batch",
		"batch_id", batchID,
		"provider", p.Name,
		"model", p.Model,
		"pages", len(pages),
		"limit", limit,
	)

	result := s.renderPages(batchCtx, rec.ID, rec.Outline, pages, gen, limit)

	// Bookkeeping must land even when the batch was cancelled.
	bookCtx := context.WithoutCancel(ctx)
	for _, f := range result.Failed {
		if err := s.history.RecordPageResult(bookCtx, rec.ID, f.PageIndex, history.Failure(f)); err != nil {
			if pagegen.IsNotFound(err) {
				log.Info("record deleted during batch", "batch_id", batchID)
				return &BatchReport{RecordID: rec.ID, BatchID: batchID, Status: pagegen.StatusFailed, Result: result}, nil
			}
			return nil, err
		}
	}

	status := s.finalize(result)
	if err := s.history.Finalize(bookCtx, rec.ID, status); err != nil {
		if !pagegen.IsNotFound(err) {
			return nil, err
		}
	}

	log.Info("image batch finished",
		"batch_id", batchID,
		"status", string(status),
		"succeeded", len(result.Succeeded),
		"failed", len(result.Failed),
		"cancelled", result.Cancelled,
	)
	return &BatchReport{RecordID: rec.ID, BatchID: batchID, Status: status, Result: result}, nil
}

// renderPages renders the cover first, alone, then the remaining pages with
// the cover image and the full outline as context. When the cover is not
// among pages its stored image is used instead.
func (s *Service) renderPages(ctx context.Context, recordID string, outline pagegen.Outline, pages []pagegen.Page, gen pagegen.Generator, limit int) *pagegen.BatchResult {
	sink := s.history.Sink(recordID)
	cover, hasCover := outline.Cover()

	var first, rest []pagegen.Page
	for _, p := range pages {
		if hasCover && p.Index == cover.Index {
			first = append(first, p)
		} else {
			rest = append(rest, p)
		}
	}

	var results []*pagegen.BatchResult
	var ref *pagegen.InputImage
	switch {
	case len(first) > 0:
		cr := s.orchestrator.RunBatch(ctx, first, gen, 1, sink)
		results = append(results, cr)
		if len(cr.Succeeded) == 1 {
			img := pagegen.ReferenceImage(cr.Succeeded[0].Image)
			ref = &img
		}
	case hasCover && len(rest) > 0:
		ref = s.storedCover(ctx, recordID, cover.Index)
	}

	if len(rest) > 0 || len(results) == 0 {
		build := pagegen.ReferenceBuilder(s.orchestrator.Builder(), outline, ref)
		results = append(results, s.orchestrator.WithBuilder(build).RunBatch(ctx, rest, gen, limit, sink))
	}
	return pagegen.MergeResults(results...)
}

// storedCover loads the record's stored cover image, or nil.
func (s *Service) storedCover(ctx context.Context, recordID string, coverIndex int) *pagegen.InputImage {
	rec, err := s.history.Get(ctx, recordID)
	if err != nil {
		return nil
	}
	for _, img := range rec.Images {
		if img.PageIndex != coverIndex {
			continue
		}
		data, mime, err := s.history.Image(ctx, img.Ref)
		if err != nil {
			s.logger.Warn("cover image unavailable, rendering without reference",
				"record_id", recordID, "ref", img.Ref, "error", err.Error())
			return nil
		}
		ref := pagegen.ReferenceImage(pagegen.Image{Data: data, MIMEType: mime})
		return &ref
	}
	return nil
}

// RegeneratePage renders one page of a complete or failed record again, in
// the record's batch, whether or not it already has an image. The new image
// replaces the old one only on success. The record ends complete when every
// page has an image, failed otherwise.
func (s *Service) RegeneratePage(ctx context.Context, recordID string, pageIndex int) (*BatchReport, error) {
	ctx, log := s.contextLogger(ctx, recordID)

	rec, err := s.history.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	i := slices.IndexFunc(rec.Outline, func(p pagegen.Page) bool { return p.Index == pageIndex })
	if i < 0 {
		return nil, &pagegen.ValidationError{Field: "page_index", Reason: fmt.Sprintf("page %d not in outline", pageIndex)}
	}
	switch rec.Status {
	case pagegen.StatusComplete, pagegen.StatusFailed:
	default:
		return nil, &pagegen.InvalidStateError{ID: recordID, Current: rec.Status, Op: "regenerate page"}
	}

	p, err := s.configs.Active(ctx, pagegen.CapabilityImage)
	if err != nil {
		return nil, err
	}
	gen, err := s.generators.Build(ctx, pagegen.CapabilityImage, p)
	if err != nil {
		return nil, err
	}

	batchCtx, r, err := s.register(ctx, recordID)
	if err != nil {
		return nil, err
	}
	defer s.unregister(recordID, r)

	batchID, err := s.history.Reopen(ctx, recordID)
	if err != nil {
		return nil, err
	}
	log.Info("regenerating page", "batch_id", batchID, "page", pageIndex, "provider", p.Name)

	result := s.renderPages(batchCtx, recordID, rec.Outline, []pagegen.Page{rec.Outline[i]}, gen, 1)

	bookCtx := context.WithoutCancel(ctx)
	missing, err := s.history.FailedPages(bookCtx, recordID)
	if err != nil {
		if pagegen.IsNotFound(err) {
			return &BatchReport{RecordID: recordID, BatchID: batchID, Status: pagegen.StatusFailed, Result: result}, nil
		}
		return nil, err
	}
	status := pagegen.StatusComplete
	if len(missing) > 0 {
		status = pagegen.StatusFailed
	}
	if err := s.history.Finalize(bookCtx, recordID, status); err != nil && !pagegen.IsNotFound(err) {
		return nil, err
	}

	log.Info("page regenerated",
		"batch_id", batchID,
		"page", pageIndex,
		"status", string(status),
		"succeeded", len(result.Succeeded) == 1,
	)
	return &BatchReport{RecordID: recordID, BatchID: batchID, Status: status, Result: result}, nil
}

func (s *Service) register(ctx context.Context, id string) (context.Context, *run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.running[id]; busy {
		return nil, nil, errAlreadyRunning(id)
	}
	batchCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	s.running[id] = r
	return batchCtx, r, nil
}

func (s *Service) unregister(id string, r *run) {
	s.mu.Lock()
	if s.running[id] == r {
		delete(s.running, id)
	}
	s.mu.Unlock()
	r.cancel()
	close(r.done)
}
