package pagegen

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/mhpenta/pagegen/internal/metrics"
)

const (
	// DefaultHighConcurrency is K, the limit used when high_concurrency is on.
	DefaultHighConcurrency = 4

	// MaxConcurrency caps any configured limit.
	MaxConcurrency = 6

	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 2

	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 8 * time.Second
)

// ErrNoImage is returned when an image generator responds without an image.
var ErrNoImage = errors.New("response contained no image")

// RequestBuilder turns an outline page into a generation request.
type RequestBuilder func(page Page) *Request

// DefaultRequestBuilder uses the page content as the prompt.
func DefaultRequestBuilder(page Page) *Request {
	return &Request{Prompt: page.Content, PageIndex: page.Index}
}

// ConcurrencyLimit picks the batch limit for a provider: 1 when
// high_concurrency is off, otherwise k (or the provider's max_concurrent)
// clamped to 1..MaxConcurrency.
func ConcurrencyLimit(cfg ProviderConfig, k int) int {
	if !cfg.HighConcurrency {
		return 1
	}
	if cfg.MaxConcurrent > 0 {
		k = cfg.MaxConcurrent
	}
	if k < 1 {
		k = DefaultHighConcurrency
	}
	return min(k, MaxConcurrency)
}

// Orchestrator runs image batches: one Generate call per page, at most limit
// calls in flight, retrying network and timeout failures with exponential
// backoff.
type Orchestrator struct {
	logger           *slog.Logger
	maxRetries       int
	baseDelay        time.Duration
	maxDelay         time.Duration
	callTimeout      time.Duration
	dispatchInterval time.Duration
	buildRequest     RequestBuilder
}

// NewOrchestrator creates an Orchestrator with the default retry policy.
func NewOrchestrator(opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		logger:       slog.Default(),
		maxRetries:   DefaultMaxRetries,
		baseDelay:    DefaultBaseDelay,
		maxDelay:     DefaultMaxDelay,
		buildRequest: DefaultRequestBuilder,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Builder returns the orchestrator's request builder.
func (o *Orchestrator) Builder() RequestBuilder {
	return o.buildRequest
}

// WithBuilder returns a copy of o that turns pages into requests with b.
func (o *Orchestrator) WithBuilder(b RequestBuilder) *Orchestrator {
	clone := *o
	if b != nil {
		clone.buildRequest = b
	}
	return &clone
}

type pageOutcome struct {
	page     Page
	image    Image
	ref      string
	kind     ErrorKind
	err      error
	attempts int
	ok       bool
}

// RunBatch generates one image per page with gen. Partial failure is part of
// the result, never an error.
//
// limit is clamped to 1..MaxConcurrency.
//
// Cancelling ctx stops new dispatches. Calls already in flight run to
// completion on a context detached from ctx, but their images are discarded
// and the page is reported as cancelled. sink may be nil.
func (o *Orchestrator) RunBatch(ctx context.Context, pages []Page, gen Generator, limit int, sink PageSink) *BatchResult {
	if clamped := max(1, min(limit, MaxConcurrency)); clamped != limit {
		o.logger.Warn("batch limit clamped", "requested", limit, "limit", clamped)
		limit = clamped
	}
	start := time.Now()

	o.logger.Info("batch started",
		"pages", len(pages),
		"limit", limit,
		"capability", string(gen.Capability()),
	)

	outcomes := make([]pageOutcome, len(pages))
	sem := semaphore.NewWeighted(int64(limit))
	callCtx := context.WithoutCancel(ctx)

	var pacer *rate.Limiter
	if o.dispatchInterval > 0 {
		pacer = rate.NewLimiter(rate.Every(o.dispatchInterval), limit)
	}

	var g errgroup.Group
	dispatched := 0
	for i, page := range pages {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if pacer != nil {
			if err := pacer.Wait(ctx); err != nil {
				sem.Release(1)
				break
			}
		}
		// Acquire may succeed on an already cancelled ctx.
		if ctx.Err() != nil {
			sem.Release(1)
			break
		}

		dispatched = i + 1
		g.Go(func() error {
			defer sem.Release(1)
			outcomes[i] = o.runPage(ctx, callCtx, page, gen, sink)
			return nil
		})
	}
	_ = g.Wait()

	for i := dispatched; i < len(pages); i++ {
		outcomes[i] = pageOutcome{page: pages[i], kind: KindCancelled, err: ctx.Err()}
	}

	result := collect(outcomes)
	result.Cancelled = ctx.Err() != nil

	metrics.BatchDuration.Observe(time.Since(start).Seconds())
	o.logger.Info("batch finished",
		"pages", len(pages),
		"succeeded", len(result.Succeeded),
		"failed", len(result.Failed),
		"cancelled", result.Cancelled,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result
}

func collect(outcomes []pageOutcome) *BatchResult {
	result := &BatchResult{}
	for _, oc := range outcomes {
		if oc.ok {
			result.Succeeded = append(result.Succeeded, PageImage{
				PageIndex: oc.page.Index,
				Image:     oc.image,
				Ref:       oc.ref,
				Attempts:  oc.attempts,
			})
			metrics.BatchPages.WithLabelValues("succeeded").Inc()
			continue
		}
		result.Failed = append(result.Failed, PageFailure{
			PageIndex: oc.page.Index,
			Kind:      oc.kind,
			Err:       oc.err,
			Attempts:  oc.attempts,
		})
		metrics.BatchPages.WithLabelValues(string(oc.kind)).Inc()
	}

	slices.SortFunc(result.Succeeded, func(a, b PageImage) int { return cmp.Compare(a.PageIndex, b.PageIndex) })
	slices.SortFunc(result.Failed, func(a, b PageFailure) int { return cmp.Compare(a.PageIndex, b.PageIndex) })
	return result
}

// runPage drives one page through its attempts.
func (o *Orchestrator) runPage(ctx, callCtx context.Context, page Page, gen Generator, sink PageSink) pageOutcome {
	req := o.buildRequest(page)
	out := pageOutcome{page: page}

	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		if attempt > 0 {
			delay := o.backoff(attempt)
			o.logger.Warn("retrying page",
				"page", page.Index,
				"attempt", attempt+1,
				"delay_ms", delay.Milliseconds(),
				"error", out.err.Error(),
			)
			if !sleepCtx(ctx, delay) {
				out.kind = KindCancelled
				out.err = ctx.Err()
				return out
			}
			metrics.BatchRetries.Inc()
		}

		content, err := o.call(callCtx, gen, req)
		out.attempts = attempt + 1

		if ctx.Err() != nil {
			o.logger.Info("discarding page completed after cancellation", "page", page.Index)
			out.kind = KindCancelled
			out.err = ctx.Err()
			return out
		}

		if err == nil {
			img, ok := content.FirstImage()
			if !ok {
				err = &ProviderError{Kind: KindInvalidResponse, Err: ErrNoImage}
			} else {
				return o.deliver(callCtx, out, img, sink)
			}
		}

		out.err = err
		out.kind = KindOf(err)
		if !out.kind.Retryable() {
			o.logger.Error("page failed, not retrying",
				"page", page.Index,
				"kind", string(out.kind),
				"error", err.Error(),
			)
			return out
		}
	}

	o.logger.Error("page failed after retries",
		"page", page.Index,
		"attempts", out.attempts,
		"kind", string(out.kind),
		"error", out.err.Error(),
	)
	return out
}

func (o *Orchestrator) deliver(ctx context.Context, out pageOutcome, img Image, sink PageSink) pageOutcome {
	out.image = img
	if sink != nil {
		ref, err := sink.SavePage(ctx, out.page.Index, img)
		if err != nil {
			o.logger.Error("failed to save page image",
				"page", out.page.Index,
				"error", err.Error(),
			)
			out.kind = KindStorage
			out.err = err
			return out
		}
		out.ref = ref
	}
	out.ok = true
	out.err = nil
	out.kind = ""
	return out
}

// call runs one vendor call with instrumentation.
func (o *Orchestrator) call(ctx context.Context, gen Generator, req *Request) (*Content, error) {
	if o.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.callTimeout)
		defer cancel()
	}

	capability := string(gen.Capability())
	metrics.BatchInflight.Inc()
	start := time.Now()

	content, err := gen.Generate(ctx, req)

	metrics.BatchInflight.Dec()
	metrics.GenerationDuration.WithLabelValues(capability).Observe(time.Since(start).Seconds())
	metrics.GenerationCalls.WithLabelValues(capability, metrics.Outcome(err)).Inc()
	return content, err
}

// backoff is baseDelay * 2^(attempt-1) scaled by a jitter in [0.5, 1.0),
// capped at maxDelay.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := float64(o.baseDelay) * math.Pow(2, float64(attempt-1))
	d *= 0.5 + rand.Float64()*0.5
	return min(time.Duration(d), o.maxDelay)
}

// sleepCtx sleeps for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
