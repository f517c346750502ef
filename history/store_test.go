package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhpenta/pagegen"
	"github.com/mhpenta/pagegen/internal/logger"
	"github.com/mhpenta/pagegen/storage/local"
	"github.com/mhpenta/pagegen/storage/storagetest"
)

type fixed struct {
	backend pagegen.Backend
}

func (f fixed) Current() pagegen.Backend { return f.backend }

// stepClock advances one second per call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newStore(t *testing.T, b pagegen.Backend) *Store {
	t.Helper()
	return New(fixed{b}, WithLogger(logger.Discard()), WithClock(stepClock()))
}

func outline(n int) pagegen.Outline {
	pages := make(pagegen.Outline, n)
	for i := range pages {
		pages[i] = pagegen.Page{Index: i, Kind: pagegen.PageContent, Content: "page"}
	}
	pages[0].Kind = pagegen.PageCover
	return pages
}

func png(b byte) pagegen.Image {
	return pagegen.Image{Data: []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', b}, MIMEType: "image/png"}
}

func TestStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, storagetest.NewMemory(pagegen.BackendLocal))

	id, err := s.Create(ctx, "Trip to Kyoto", outline(3))
	require.NoError(t, err)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pagegen.StatusDraft, rec.Status)
	assert.Len(t, rec.Outline, 3)

	// Finalize is only valid while generating.
	assert.True(t, pagegen.IsInvalidState(s.Finalize(ctx, id, pagegen.StatusComplete)))

	require.NoError(t, s.AttachBatch(ctx, id, "batch-1"))
	rec, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pagegen.StatusGenerating, rec.Status)
	assert.Equal(t, "batch-1", rec.BatchID)

	for i := range 3 {
		_, err := s.SavePageImage(ctx, id, i, png(byte(i)))
		require.NoError(t, err)
	}
	require.NoError(t, s.Finalize(ctx, id, pagegen.StatusComplete))

	rec, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pagegen.StatusComplete, rec.Status)
	assert.Equal(t, "batch-1/0.png", rec.Thumbnail)
	require.Len(t, rec.Images, 3)
	for i, img := range rec.Images {
		assert.Equal(t, i, img.PageIndex)
	}
	assert.True(t, rec.UpdatedAt.After(rec.CreatedAt))

	// Complete records are immutable.
	assert.True(t, pagegen.IsInvalidState(s.AttachBatch(ctx, id, "batch-2")))
	assert.True(t, pagegen.IsInvalidState(s.RecordPageResult(ctx, id, 0, Success("x/0.png"))))
	assert.True(t, pagegen.IsInvalidState(s.Finalize(ctx, id, pagegen.StatusFailed)))
}

func TestStore_CreateValidation(t *testing.T) {
	s := newStore(t, storagetest.NewMemory(pagegen.BackendLocal))

	_, err := s.Create(context.Background(), "empty", nil)
	assert.True(t, pagegen.IsValidation(err))

	_, err = s.Create(context.Background(), "gap", pagegen.Outline{{Index: 0}, {Index: 2}})
	assert.True(t, pagegen.IsValidation(err))
}

func TestStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, storagetest.NewMemory(pagegen.BackendLocal))

	_, err := s.Get(ctx, "nope")
	assert.True(t, pagegen.IsNotFound(err))
	assert.True(t, pagegen.IsNotFound(s.AttachBatch(ctx, "nope", "b")))
	assert.True(t, pagegen.IsNotFound(s.RecordPageResult(ctx, "nope", 0, Success("b/0.png"))))
	assert.True(t, pagegen.IsNotFound(s.Finalize(ctx, "nope", pagegen.StatusFailed)))
	assert.True(t, pagegen.IsNotFound(s.Delete(ctx, "nope")))
}

func TestStore_RecordPageResultIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, storagetest.NewMemory(pagegen.BackendLocal))

	id, err := s.Create(ctx, "t", outline(2))
	require.NoError(t, err)
	require.NoError(t, s.AttachBatch(ctx, id, "b1"))

	fail := PageOutcome{Kind: pagegen.KindNetwork, Reason: "connection reset"}
	require.NoError(t, s.RecordPageResult(ctx, id, 1, fail))
	require.NoError(t, s.RecordPageResult(ctx, id, 1, fail))

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, rec.Failures, 1)
	assert.Equal(t, pagegen.KindNetwork, rec.Failures[0].Kind)

	require.NoError(t, s.RecordPageResult(ctx, id, 1, Success("b1/1.png")))
	require.NoError(t, s.RecordPageResult(ctx, id, 1, Success("b1/1.jpg")))

	rec, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, rec.Failures)
	require.Len(t, rec.Images, 1)
	assert.Equal(t, "b1/1.jpg", rec.Images[0].Ref)
	assert.Empty(t, rec.Thumbnail, "thumbnail is page 0 only")

	err = s.RecordPageResult(ctx, id, 5, Success("b1/5.png"))
	assert.True(t, pagegen.IsValidation(err))
}

func TestStore_FailedPagesAndRetry(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, storagetest.NewMemory(pagegen.BackendLocal))

	id, err := s.Create(ctx, "t", outline(4))
	require.NoError(t, err)
	require.NoError(t, s.AttachBatch(ctx, id, "b1"))
	_, err = s.SavePageImage(ctx, id, 0, png(0))
	require.NoError(t, err)
	_, err = s.SavePageImage(ctx, id, 2, png(2))
	require.NoError(t, err)
	require.NoError(t, s.RecordPageResult(ctx, id, 1, Failure(pagegen.PageFailure{PageIndex: 1, Kind: pagegen.KindQuota})))
	require.NoError(t, s.Finalize(ctx, id, pagegen.StatusFailed))

	missing, err := s.FailedPages(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, missing)

	// A failed record can take another batch pass.
	require.NoError(t, s.AttachBatch(ctx, id, "b1"))
	_, err = s.SavePageImage(ctx, id, 1, png(1))
	require.NoError(t, err)
	missing, err = s.FailedPages(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, missing)
}

func TestStore_SavePageImageWithoutBatch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, storagetest.NewMemory(pagegen.BackendLocal))
	id, err := s.Create(ctx, "t", outline(1))
	require.NoError(t, err)

	_, err = s.SavePageImage(ctx, id, 0, png(0))
	assert.True(t, pagegen.IsInvalidState(err))
}

func TestStore_SinkFailureLeavesRecord(t *testing.T) {
	ctx := context.Background()
	mem := storagetest.NewMemory(pagegen.BackendLocal)
	s := newStore(t, mem)
	id, err := s.Create(ctx, "t", outline(1))
	require.NoError(t, err)
	require.NoError(t, s.AttachBatch(ctx, id, "b1"))

	mem.Fail("PutImage", errors.New("bucket gone"))
	_, err = s.Sink(id).SavePage(ctx, 0, png(0))
	assert.Error(t, err)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, rec.Images)
}

func TestStore_Sync(t *testing.T) {
	ctx := context.Background()
	mem := storagetest.NewMemory(pagegen.BackendLocal)
	s := newStore(t, mem)
	id, err := s.Create(ctx, "t", outline(3))
	require.NoError(t, err)
	require.NoError(t, s.AttachBatch(ctx, id, "b1"))

	// Images stored but never recorded, as after a crash between the two writes.
	_, err = mem.PutImage(ctx, "b1", 0, []byte("a"), "image/png")
	require.NoError(t, err)
	_, err = mem.PutImage(ctx, "b1", 2, []byte("c"), "image/webp")
	require.NoError(t, err)

	added, err := s.Sync(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []pagegen.GeneratedImage{
		{RecordID: id, PageIndex: 0, Ref: "b1/0.png"},
		{RecordID: id, PageIndex: 2, Ref: "b1/2.webp"},
	}, rec.Images)
	assert.Equal(t, "b1/0.png", rec.Thumbnail)

	writes := mem.Calls("SaveRecord")
	added, err = s.Sync(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Equal(t, writes, mem.Calls("SaveRecord"), "no-op sync must not write")
}

func TestStore_ListAndStatistics(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, storagetest.NewMemory(pagegen.BackendLocal))

	var ids []string
	for _, title := range []string{"Alpha", "Beta", "Gamma"} {
		id, err := s.Create(ctx, title, outline(1))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, s.AttachBatch(ctx, ids[1], "b"))

	all, err := s.List(ctx, pagegen.ListFilter{}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, all.Page)
	assert.Equal(t, pagegen.DefaultPageSize, all.PageSize)
	require.Len(t, all.Items, 3)
	assert.Equal(t, "Gamma", all.Items[0].Title)
	assert.Equal(t, "Alpha", all.Items[2].Title)

	page2, err := s.List(ctx, pagegen.ListFilter{}, 2, 2)
	require.NoError(t, err)
	require.Len(t, page2.Items, 1)
	assert.Equal(t, "Alpha", page2.Items[0].Title)

	gen, err := s.List(ctx, pagegen.ListFilter{Status: pagegen.StatusGenerating}, 1, 500)
	require.NoError(t, err)
	assert.Equal(t, pagegen.MaxPageSize, gen.PageSize)
	require.Len(t, gen.Items, 1)
	assert.Equal(t, "Beta", gen.Items[0].Title)

	_, err = s.List(ctx, pagegen.ListFilter{Status: "bogus"}, 1, 10)
	assert.True(t, pagegen.IsValidation(err))

	stats, err := s.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[pagegen.StatusDraft])
	assert.Equal(t, 1, stats.ByStatus[pagegen.StatusGenerating])
}

func TestStore_DeleteCascadesOnLocal(t *testing.T) {
	ctx := context.Background()
	b, err := local.Open(t.TempDir())
	require.NoError(t, err)
	s := newStore(t, b)

	id, err := s.Create(ctx, "t", outline(2))
	require.NoError(t, err)
	require.NoError(t, s.AttachBatch(ctx, id, "batch-x"))
	ref, err := s.SavePageImage(ctx, id, 0, png(0))
	require.NoError(t, err)

	data, mime, err := s.Image(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, png(0).Data, data)

	require.NoError(t, s.Delete(ctx, id))

	_, err = s.Get(ctx, id)
	assert.True(t, pagegen.IsNotFound(err))
	refs, err := b.ListImages(ctx, "batch-x")
	require.NoError(t, err)
	assert.Empty(t, refs)
	_, _, err = s.Image(ctx, ref)
	assert.True(t, pagegen.IsNotFound(err))
}

func TestStore_ConcurrentPageResults(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, storagetest.NewMemory(pagegen.BackendLocal))
	id, err := s.Create(ctx, "t", outline(8))
	require.NoError(t, err)
	require.NoError(t, s.AttachBatch(ctx, id, "b"))

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.SavePageImage(ctx, id, i, png(byte(i)))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, rec.Images, 8)
}

func TestStore_AttachBatchReplacesPreviousBatch(t *testing.T) {
	ctx := context.Background()
	mem := storagetest.NewMemory(pagegen.BackendLocal)
	s := newStore(t, mem)

	id, err := s.Create(ctx, "t", outline(2))
	require.NoError(t, err)
	require.NoError(t, s.AttachBatch(ctx, id, "b1"))
	_, err = s.SavePageImage(ctx, id, 0, png(0))
	require.NoError(t, err)
	require.NoError(t, s.RecordPageResult(ctx, id, 1, Failure(pagegen.PageFailure{PageIndex: 1, Kind: pagegen.KindQuota})))
	require.NoError(t, s.Finalize(ctx, id, pagegen.StatusFailed))

	// Re-attaching the same batch keeps its images.
	require.NoError(t, s.AttachBatch(ctx, id, "b1"))
	assert.Equal(t, 1, mem.ImageCount("b1"))
	require.NoError(t, s.Finalize(ctx, id, pagegen.StatusFailed))

	mem.Fail("DeleteBatch", errors.New("bucket gone"))
	assert.Error(t, s.AttachBatch(ctx, id, "b2"))
	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "b1", rec.BatchID, "a failed replacement keeps the old batch")
	assert.Equal(t, pagegen.StatusFailed, rec.Status)

	mem.Fail("DeleteBatch", nil)
	require.NoError(t, s.AttachBatch(ctx, id, "b2"))
	assert.Zero(t, mem.ImageCount("b1"))

	rec, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "b2", rec.BatchID)
	assert.Empty(t, rec.Images)
	assert.Empty(t, rec.Failures)
	assert.Empty(t, rec.Thumbnail)
}

func TestStore_DeleteKeepsRecordWhenImagesRemain(t *testing.T) {
	ctx := context.Background()
	mem := storagetest.NewMemory(pagegen.BackendLocal)
	s := newStore(t, mem)

	id, err := s.Create(ctx, "t", outline(1))
	require.NoError(t, err)
	require.NoError(t, s.AttachBatch(ctx, id, "b1"))
	_, err = s.SavePageImage(ctx, id, 0, png(0))
	require.NoError(t, err)

	mem.Fail("DeleteBatch", errors.New("bucket gone"))
	assert.Error(t, s.Delete(ctx, id))

	rec, err := s.Get(ctx, id)
	require.NoError(t, err, "the record still points at its images")
	assert.Equal(t, "b1", rec.BatchID)
	assert.Equal(t, 1, mem.ImageCount("b1"))

	mem.Fail("DeleteBatch", nil)
	require.NoError(t, s.Delete(ctx, id))
	assert.Zero(t, mem.ImageCount("b1"))
	_, err = s.Get(ctx, id)
	assert.True(t, pagegen.IsNotFound(err))
}

func TestStore_Update(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, storagetest.NewMemory(pagegen.BackendLocal))

	id, err := s.Create(ctx, "draft title", outline(3))
	require.NoError(t, err)

	edited := pagegen.Outline{
		{Index: 1, Kind: pagegen.PageContent, Content: "second"},
		{Index: 0, Kind: pagegen.PageCover, Content: "new cover"},
	}
	require.NoError(t, s.Update(ctx, id, "final title", edited))

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "final title", rec.Title)
	require.Len(t, rec.Outline, 2)
	assert.Equal(t, "new cover", rec.Outline[0].Content, "outline is stored in page order")

	// Empty title and nil outline keep what is stored.
	require.NoError(t, s.Update(ctx, id, "", nil))
	rec, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "final title", rec.Title)
	assert.Len(t, rec.Outline, 2)

	err = s.Update(ctx, id, "x", pagegen.Outline{{Index: 3}})
	assert.True(t, pagegen.IsValidation(err))

	// A failed record may be edited; results past the new outline go away.
	require.NoError(t, s.AttachBatch(ctx, id, "b1"))
	_, err = s.SavePageImage(ctx, id, 0, png(0))
	require.NoError(t, err)
	_, err = s.SavePageImage(ctx, id, 1, png(1))
	require.NoError(t, err)
	require.NoError(t, s.Finalize(ctx, id, pagegen.StatusFailed))
	require.NoError(t, s.Update(ctx, id, "", outline(1)))
	rec, err = s.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, rec.Images, 1)
	assert.Equal(t, 0, rec.Images[0].PageIndex)

	require.NoError(t, s.AttachBatch(ctx, id, "b1"))
	assert.True(t, pagegen.IsInvalidState(s.Update(ctx, id, "busy", nil)), "generating")
	require.NoError(t, s.Finalize(ctx, id, pagegen.StatusComplete))
	assert.True(t, pagegen.IsInvalidState(s.Update(ctx, id, "done", nil)), "complete")

	assert.True(t, pagegen.IsNotFound(s.Update(ctx, "missing", "x", nil)))
}

func TestStore_Reopen(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, storagetest.NewMemory(pagegen.BackendLocal))

	id, err := s.Create(ctx, "t", outline(1))
	require.NoError(t, err)
	_, err = s.Reopen(ctx, id)
	assert.True(t, pagegen.IsInvalidState(err))

	require.NoError(t, s.AttachBatch(ctx, id, "b1"))
	_, err = s.SavePageImage(ctx, id, 0, png(0))
	require.NoError(t, err)
	require.NoError(t, s.Finalize(ctx, id, pagegen.StatusComplete))

	batchID, err := s.Reopen(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "b1", batchID)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pagegen.StatusGenerating, rec.Status)
	assert.Len(t, rec.Images, 1)

	_, err = s.Reopen(ctx, id)
	assert.True(t, pagegen.IsInvalidState(err), "already generating")
}

func TestStore_SyncAll(t *testing.T) {
	ctx := context.Background()
	mem := storagetest.NewMemory(pagegen.BackendLocal)
	s := newStore(t, mem)

	var ids []string
	for i := range 3 {
		id, err := s.Create(ctx, "t", outline(2))
		require.NoError(t, err)
		batch := "b" + string(rune('0'+i))
		require.NoError(t, s.AttachBatch(ctx, id, batch))
		_, err = mem.PutImage(ctx, batch, 0, []byte("a"), "image/png")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	draft, err := s.Create(ctx, "no batch", outline(1))
	require.NoError(t, err)

	added, err := s.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, added)

	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.Len(t, rec.Images, 1)
		assert.Equal(t, 0, rec.Images[0].PageIndex)
	}
	rec, err := s.Get(ctx, draft)
	require.NoError(t, err)
	assert.Empty(t, rec.Images)

	added, err = s.SyncAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)

	mem.Fail("ListImages", errors.New("bucket gone"))
	_, err = mem.PutImage(ctx, "b0", 1, []byte("b"), "image/png")
	require.NoError(t, err)
	_, err = s.SyncAll(ctx)
	assert.Error(t, err)
}
