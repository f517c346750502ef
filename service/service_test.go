package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhpenta/pagegen"
	"github.com/mhpenta/pagegen/configstore"
	"github.com/mhpenta/pagegen/history"
	"github.com/mhpenta/pagegen/internal/logger"
	"github.com/mhpenta/pagegen/storage"
	"github.com/mhpenta/pagegen/storage/storagetest"
)

// fakeGen serves one provider name in tests.
type fakeGen struct {
	capability pagegen.Capability
	generate   func(ctx context.Context, req *pagegen.Request) (*pagegen.Content, error)
	ping       func(ctx context.Context) error
	calls      atomic.Int32
	closed     atomic.Bool

	mu    sync.Mutex
	pages []int
	reqs  []pagegen.Request
}

func (g *fakeGen) Generate(ctx context.Context, req *pagegen.Request) (*pagegen.Content, error) {
	g.calls.Add(1)
	g.mu.Lock()
	g.pages = append(g.pages, req.PageIndex)
	g.reqs = append(g.reqs, *req)
	g.mu.Unlock()
	if g.generate != nil {
		return g.generate(ctx, req)
	}
	if g.capability == pagegen.CapabilityText {
		return &pagegen.Content{Text: "text for " + req.Prompt}, nil
	}
	return &pagegen.Content{Images: []pagegen.Image{{Data: []byte{byte(req.PageIndex)}, MIMEType: "image/png"}}}, nil
}

func (g *fakeGen) Capability() pagegen.Capability { return g.capability }

func (g *fakeGen) Close() error {
	g.closed.Store(true)
	return nil
}

func (g *fakeGen) Ping(ctx context.Context) error {
	if g.ping != nil {
		return g.ping(ctx)
	}
	return nil
}

func (g *fakeGen) calledPages() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int(nil), g.pages...)
}

// request returns the last request seen for page.
func (g *fakeGen) request(page int) (pagegen.Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := len(g.reqs) - 1; i >= 0; i-- {
		if g.reqs[i].PageIndex == page {
			return g.reqs[i], true
		}
	}
	return pagegen.Request{}, false
}

type fixture struct {
	svc  *Service
	mem  *storagetest.Memory
	gens map[string]*fakeGen
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mem:  storagetest.NewMemory(pagegen.BackendLocal),
		gens: make(map[string]*fakeGen),
	}

	ctor := func(c pagegen.Capability) pagegen.Constructor {
		return func(_ context.Context, cfg pagegen.ProviderConfig) (pagegen.Generator, error) {
			g, ok := f.gens[cfg.Name]
			if !ok {
				return nil, errors.New("no fake generator for " + cfg.Name)
			}
			g.capability = c
			return g, nil
		}
	}
	factory := pagegen.NewFactory(pagegen.WithFactoryLogger(logger.Discard())).
		Register(pagegen.CapabilityText, pagegen.ProviderGoogleGenAI, ctor(pagegen.CapabilityText)).
		Register(pagegen.CapabilityImage, pagegen.ProviderGoogleGenAI, ctor(pagegen.CapabilityImage))

	sw := storage.NewSwitch(f.mem, storage.WithLogger(logger.Discard()))
	configs := configstore.New(sw, configstore.WithLogger(logger.Discard()))
	hist := history.New(sw, history.WithLogger(logger.Discard()))
	orch := pagegen.NewOrchestrator(
		pagegen.WithLogger(logger.Discard()),
		pagegen.WithBackoff(time.Millisecond, 2*time.Millisecond),
	)

	f.svc = New(configs, hist, factory, WithLogger(logger.Discard()), WithOrchestrator(orch))
	t.Cleanup(func() { _ = f.svc.Close() })
	return f
}

// provider registers a fake generator under name and stores its config.
func (f *fixture) provider(t *testing.T, c pagegen.Capability, name string, gen *fakeGen, active bool) pagegen.ProviderConfig {
	t.Helper()
	f.gens[name] = gen
	cfg := pagegen.ProviderConfig{
		Type:            pagegen.ProviderGoogleGenAI,
		APIKey:          "key-" + name,
		Model:           "model-" + name,
		HighConcurrency: true,
	}
	ctx := context.Background()
	require.NoError(t, f.svc.Configs().Upsert(ctx, c, name, cfg))
	if active {
		require.NoError(t, f.svc.Configs().SetActive(ctx, c, name))
	}
	cfg.Name = name
	return cfg
}

func outline(n int) pagegen.Outline {
	pages := make(pagegen.Outline, n)
	for i := range pages {
		pages[i] = pagegen.Page{Index: i, Kind: pagegen.PageContent, Content: "scene"}
	}
	return pages
}

func TestGenerateText(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.GenerateText(ctx, pagegen.NewTextRequest("", "hello"))
	assert.True(t, pagegen.IsConfiguration(err), "no active provider")

	gen := &fakeGen{}
	f.provider(t, pagegen.CapabilityText, "writer", gen, true)

	content, err := f.svc.GenerateText(ctx, pagegen.NewTextRequest("", "hello"))
	require.NoError(t, err)
	assert.Equal(t, "text for hello", content.Text)

	_, err = f.svc.GenerateText(ctx, pagegen.NewTextRequest("", "  "))
	assert.True(t, pagegen.IsValidation(err))

	gen.generate = func(context.Context, *pagegen.Request) (*pagegen.Content, error) {
		return nil, &pagegen.ProviderError{Kind: pagegen.KindNetwork}
	}
	before := gen.calls.Load()
	_, err = f.svc.GenerateText(ctx, pagegen.NewTextRequest("", "hello"))
	assert.Equal(t, pagegen.KindNetwork, pagegen.KindOf(err))
	assert.Equal(t, before+1, gen.calls.Load(), "text generation is never retried")
}

func TestGenerateImages_Complete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.provider(t, pagegen.CapabilityImage, "painter", &fakeGen{}, true)

	id, err := f.svc.CreateRecord(ctx, "Garden", outline(3))
	require.NoError(t, err)

	report, err := f.svc.GenerateImages(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pagegen.StatusComplete, report.Status)
	assert.NotEmpty(t, report.BatchID)
	assert.True(t, report.Result.Complete())

	rec, err := f.svc.History().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pagegen.StatusComplete, rec.Status)
	assert.Equal(t, report.BatchID, rec.BatchID)
	assert.Len(t, rec.Images, 3)
	assert.Equal(t, report.BatchID+"/0.png", rec.Thumbnail)
	assert.Equal(t, 3, f.mem.ImageCount(report.BatchID))
	assert.False(t, f.svc.Running(id))

	_, err = f.svc.GenerateImages(ctx, id)
	assert.True(t, pagegen.IsInvalidState(err))
	_, err = f.svc.RetryFailedPages(ctx, id)
	assert.True(t, pagegen.IsInvalidState(err))
}

func TestGenerateImages_PartialFailureThenRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var broken atomic.Bool
	broken.Store(true)
	gen := &fakeGen{}
	gen.generate = func(ctx context.Context, req *pagegen.Request) (*pagegen.Content, error) {
		if req.PageIndex == 1 && broken.Load() {
			return nil, &pagegen.ProviderError{Kind: pagegen.KindQuota, StatusCode: 429}
		}
		return &pagegen.Content{Images: []pagegen.Image{{Data: []byte{1}, MIMEType: "image/png"}}}, nil
	}
	f.provider(t, pagegen.CapabilityImage, "painter", gen, true)

	id, err := f.svc.CreateRecord(ctx, "t", outline(3))
	require.NoError(t, err)

	report, err := f.svc.GenerateImages(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pagegen.StatusFailed, report.Status)
	require.Len(t, report.Result.Failed, 1)
	assert.Equal(t, pagegen.KindQuota, report.Result.Failed[0].Kind)

	sum := report.Summary()
	assert.Equal(t, []int{0, 2}, sum.Succeeded)
	require.Len(t, sum.Failed, 1)
	assert.Equal(t, 1, sum.Failed[0].PageIndex)
	assert.Equal(t, 1, sum.Failed[0].Attempts)

	rec, err := f.svc.History().Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, rec.Failures, 1)
	assert.Equal(t, 1, rec.Failures[0].PageIndex)
	assert.Equal(t, int32(3), gen.calls.Load(), "quota is not retried")

	broken.Store(false)
	retry, err := f.svc.RetryFailedPages(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pagegen.StatusComplete, retry.Status)
	assert.Equal(t, report.BatchID, retry.BatchID)
	assert.Equal(t, []int{0, 1, 2, 1}, sortedPrefix(gen.calledPages(), 3))

	rec, err = f.svc.History().Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, rec.Images, 3)
	assert.Empty(t, rec.Failures)
}

// sortedPrefix sorts the first n entries, which ran concurrently.
func sortedPrefix(pages []int, n int) []int {
	head := append([]int(nil), pages[:n]...)
	for i := range head {
		for j := i + 1; j < len(head); j++ {
			if head[j] < head[i] {
				head[i], head[j] = head[j], head[i]
			}
		}
	}
	return append(head, pages[n:]...)
}

func TestGenerateImages_ProviderSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	first := &fakeGen{}
	first.generate = func(ctx context.Context, req *pagegen.Request) (*pagegen.Content, error) {
		once.Do(func() { close(started) })
		<-release
		return &pagegen.Content{Images: []pagegen.Image{{Data: []byte{0}, MIMEType: "image/png"}}}, nil
	}
	second := &fakeGen{}
	f.provider(t, pagegen.CapabilityImage, "first", first, true)
	f.provider(t, pagegen.CapabilityImage, "second", second, false)

	id, err := f.svc.CreateRecord(ctx, "t", outline(4))
	require.NoError(t, err)

	done := make(chan *BatchReport)
	go func() {
		report, err := f.svc.GenerateImages(ctx, id)
		assert.NoError(t, err)
		done <- report
	}()

	<-started
	require.NoError(t, f.svc.Configs().SetActive(ctx, pagegen.CapabilityImage, "second"))
	close(release)
	report := <-done

	assert.Equal(t, pagegen.StatusComplete, report.Status)
	assert.Equal(t, int32(4), first.calls.Load())
	assert.Zero(t, second.calls.Load())
}

func TestGenerateImages_Cancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gen := &fakeGen{}
	gen.generate = func(ctx context.Context, req *pagegen.Request) (*pagegen.Content, error) {
		once.Do(func() { close(started) })
		<-release
		return &pagegen.Content{Images: []pagegen.Image{{Data: []byte{0}, MIMEType: "image/png"}}}, nil
	}
	cfg := f.provider(t, pagegen.CapabilityImage, "slow", gen, true)
	cfg.HighConcurrency = false
	require.NoError(t, f.svc.Configs().Upsert(ctx, pagegen.CapabilityImage, "slow", cfg))

	id, err := f.svc.CreateRecord(ctx, "t", outline(3))
	require.NoError(t, err)

	done := make(chan *BatchReport)
	go func() {
		report, err := f.svc.GenerateImages(ctx, id)
		assert.NoError(t, err)
		done <- report
	}()

	<-started
	assert.True(t, f.svc.Running(id))
	assert.True(t, f.svc.Cancel(id))
	close(release)
	report := <-done

	assert.Equal(t, pagegen.StatusFailed, report.Status)
	assert.True(t, report.Result.Cancelled)
	assert.Equal(t, int32(1), gen.calls.Load())
	assert.Zero(t, f.mem.ImageCount(report.BatchID), "late completion must not be stored")
	assert.False(t, f.svc.Cancel(id))

	missing, err := f.svc.History().FailedPages(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, missing)
}

func TestDeleteRecord_CancelsRunningBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	started := make(chan struct{})
	var once sync.Once
	gen := &fakeGen{}
	gen.generate = func(ctx context.Context, req *pagegen.Request) (*pagegen.Content, error) {
		once.Do(func() { close(started) })
		time.Sleep(20 * time.Millisecond)
		return &pagegen.Content{Images: []pagegen.Image{{Data: []byte{0}, MIMEType: "image/png"}}}, nil
	}
	f.provider(t, pagegen.CapabilityImage, "p", gen, true)

	id, err := f.svc.CreateRecord(ctx, "t", outline(6))
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := f.svc.GenerateImages(ctx, id)
		errs <- err
	}()

	<-started
	require.NoError(t, f.svc.DeleteRecord(ctx, id))
	assert.NoError(t, <-errs)

	_, err = f.svc.History().Get(ctx, id)
	assert.True(t, pagegen.IsNotFound(err))
}

func TestGenerateImages_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.GenerateImages(ctx, "missing")
	assert.True(t, pagegen.IsNotFound(err))

	id, err := f.svc.CreateRecord(ctx, "t", outline(1))
	require.NoError(t, err)
	_, err = f.svc.GenerateImages(ctx, id)
	assert.True(t, pagegen.IsConfiguration(err), "no active image provider")

	rec, err := f.svc.History().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pagegen.StatusDraft, rec.Status, "a batch that never started leaves the record alone")
}

func TestTestProvider(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ok := &fakeGen{}
	f.gens["ok"] = ok
	cfg := pagegen.ProviderConfig{Name: "ok", Type: pagegen.ProviderGoogleGenAI, APIKey: "k", Model: "m"}
	require.NoError(t, f.svc.TestProvider(ctx, pagegen.CapabilityImage, cfg))
	assert.True(t, ok.closed.Load())

	f.gens["denied"] = &fakeGen{ping: func(context.Context) error {
		return &pagegen.ProviderError{Kind: pagegen.KindAuth, StatusCode: 401}
	}}
	cfg.Name = "denied"
	err := f.svc.TestProvider(ctx, pagegen.CapabilityImage, cfg)
	assert.Equal(t, pagegen.KindAuth, pagegen.KindOf(err))

	cfg.APIKey = ""
	err = f.svc.TestProvider(ctx, pagegen.CapabilityImage, cfg)
	assert.True(t, pagegen.IsConfiguration(err))

	err = f.svc.TestProvider(ctx, pagegen.CapabilityText, pagegen.ProviderConfig{Name: "x", Type: pagegen.ProviderImageAPI, APIKey: "k", Model: "m", BaseURL: "https://x"})
	assert.True(t, pagegen.IsConfiguration(err))
}

func TestGenerateImages_ReplacedBatchImagesDeleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var denied atomic.Bool
	gen := &fakeGen{}
	gen.generate = func(ctx context.Context, req *pagegen.Request) (*pagegen.Content, error) {
		if denied.Load() {
			return nil, &pagegen.ProviderError{Kind: pagegen.KindAuth, StatusCode: 401}
		}
		if req.PageIndex == 1 {
			return nil, &pagegen.ProviderError{Kind: pagegen.KindQuota, StatusCode: 429}
		}
		return &pagegen.Content{Images: []pagegen.Image{{Data: []byte{1}, MIMEType: "image/png"}}}, nil
	}
	f.provider(t, pagegen.CapabilityImage, "painter", gen, true)

	id, err := f.svc.CreateRecord(ctx, "t", outline(3))
	require.NoError(t, err)

	first, err := f.svc.GenerateImages(ctx, id)
	require.NoError(t, err)
	require.Equal(t, pagegen.StatusFailed, first.Status)
	require.Equal(t, 2, f.mem.ImageCount(first.BatchID))

	denied.Store(true)
	second, err := f.svc.GenerateImages(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, first.BatchID, second.BatchID)
	assert.Zero(t, f.mem.ImageCount(first.BatchID), "images of the replaced batch are deleted")

	rec, err := f.svc.History().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, second.BatchID, rec.BatchID)
	assert.Empty(t, rec.Images)
	assert.Empty(t, rec.Thumbnail)

	require.NoError(t, f.svc.DeleteRecord(ctx, id))
	assert.Zero(t, f.mem.ImageCount(first.BatchID))
	assert.Zero(t, f.mem.ImageCount(second.BatchID))
}

func coverOutline(n int) pagegen.Outline {
	pages := outline(n)
	pages[0].Kind = pagegen.PageCover
	pages[0].Content = "cover"
	return pages
}

func TestGenerateImages_CoverFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	gen := &fakeGen{}
	f.provider(t, pagegen.CapabilityImage, "painter", gen, true)

	id, err := f.svc.CreateRecord(ctx, "t", coverOutline(4))
	require.NoError(t, err)

	report, err := f.svc.GenerateImages(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pagegen.StatusComplete, report.Status)
	assert.Equal(t, []int{0, 1, 2, 3}, report.Result.SucceededIndexes())

	calls := gen.calledPages()
	require.Len(t, calls, 4)
	assert.Equal(t, 0, calls[0], "cover renders before every other page")

	cover, ok := gen.request(0)
	require.True(t, ok)
	assert.Empty(t, cover.ReferenceImages)

	for page := 1; page < 4; page++ {
		req, ok := gen.request(page)
		require.True(t, ok)
		require.Len(t, req.ReferenceImages, 1, "page %d", page)
		assert.Equal(t, []byte{0}, req.ReferenceImages[0].Data, "page %d carries the cover image", page)
		assert.Equal(t, "image/png", req.ReferenceImages[0].MIMEType)
		assert.Contains(t, req.Prompt, "Full outline:")
		assert.Contains(t, req.Prompt, "[0 cover] cover")
	}
}

func TestGenerateImages_CoverFailureStillRendersPages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	gen := &fakeGen{}
	gen.generate = func(ctx context.Context, req *pagegen.Request) (*pagegen.Content, error) {
		if req.PageIndex == 0 {
			return nil, &pagegen.ProviderError{Kind: pagegen.KindInvalidResponse}
		}
		return &pagegen.Content{Images: []pagegen.Image{{Data: []byte{2}, MIMEType: "image/png"}}}, nil
	}
	f.provider(t, pagegen.CapabilityImage, "painter", gen, true)

	id, err := f.svc.CreateRecord(ctx, "t", coverOutline(3))
	require.NoError(t, err)

	report, err := f.svc.GenerateImages(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pagegen.StatusFailed, report.Status)
	assert.Equal(t, []int{1, 2}, report.Result.SucceededIndexes())
	assert.Equal(t, []int{0}, report.Result.FailedIndexes())

	req, ok := gen.request(1)
	require.True(t, ok)
	assert.Empty(t, req.ReferenceImages)
}

func TestRetryFailedPages_UsesStoredCover(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var broken atomic.Bool
	broken.Store(true)
	gen := &fakeGen{}
	gen.generate = func(ctx context.Context, req *pagegen.Request) (*pagegen.Content, error) {
		if req.PageIndex == 2 && broken.Load() {
			return nil, &pagegen.ProviderError{Kind: pagegen.KindQuota}
		}
		return &pagegen.Content{Images: []pagegen.Image{{Data: []byte{byte(10 + req.PageIndex)}, MIMEType: "image/png"}}}, nil
	}
	f.provider(t, pagegen.CapabilityImage, "painter", gen, true)

	id, err := f.svc.CreateRecord(ctx, "t", coverOutline(3))
	require.NoError(t, err)
	_, err = f.svc.GenerateImages(ctx, id)
	require.NoError(t, err)

	broken.Store(false)
	report, err := f.svc.RetryFailedPages(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pagegen.StatusComplete, report.Status)

	req, ok := gen.request(2)
	require.True(t, ok)
	require.Len(t, req.ReferenceImages, 1)
	assert.Equal(t, []byte{10}, req.ReferenceImages[0].Data)
}

func TestRegeneratePage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var version atomic.Int32
	var failing atomic.Bool
	gen := &fakeGen{}
	gen.generate = func(ctx context.Context, req *pagegen.Request) (*pagegen.Content, error) {
		if failing.Load() {
			return nil, &pagegen.ProviderError{Kind: pagegen.KindAuth, StatusCode: 401}
		}
		return &pagegen.Content{Images: []pagegen.Image{{Data: []byte{byte(version.Load())}, MIMEType: "image/png"}}}, nil
	}
	f.provider(t, pagegen.CapabilityImage, "painter", gen, true)

	id, err := f.svc.CreateRecord(ctx, "t", coverOutline(3))
	require.NoError(t, err)

	_, err = f.svc.RegeneratePage(ctx, id, 1)
	assert.True(t, pagegen.IsInvalidState(err), "draft records have nothing to regenerate")

	first, err := f.svc.GenerateImages(ctx, id)
	require.NoError(t, err)
	require.Equal(t, pagegen.StatusComplete, first.Status)

	_, err = f.svc.RegeneratePage(ctx, id, 7)
	assert.True(t, pagegen.IsValidation(err))

	pageImage := func() []byte {
		rec, err := f.svc.History().Get(ctx, id)
		require.NoError(t, err)
		for _, img := range rec.Images {
			if img.PageIndex == 1 {
				data, _, err := f.svc.History().Image(ctx, img.Ref)
				require.NoError(t, err)
				return data
			}
		}
		t.Fatal("page 1 has no image")
		return nil
	}

	version.Store(9)
	report, err := f.svc.RegeneratePage(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, pagegen.StatusComplete, report.Status)
	assert.Equal(t, first.BatchID, report.BatchID)
	assert.Equal(t, []int{1}, report.Result.SucceededIndexes())
	assert.Equal(t, []byte{9}, pageImage())
	assert.Equal(t, 3, f.mem.ImageCount(first.BatchID))

	req, ok := gen.request(1)
	require.True(t, ok)
	require.Len(t, req.ReferenceImages, 1, "regenerated pages keep the cover as reference")

	failing.Store(true)
	report, err = f.svc.RegeneratePage(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, pagegen.StatusComplete, report.Status, "the previous image still stands")
	assert.Equal(t, []int{1}, report.Result.FailedIndexes())
	assert.Equal(t, []byte{9}, pageImage())
	assert.False(t, f.svc.Running(id))
}
