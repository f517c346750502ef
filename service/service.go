// Package service wires the configuration store, the history store, the
// provider factory and the batch orchestrator into the operations a router
// or CLI calls.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mhpenta/pagegen"
	"github.com/mhpenta/pagegen/configstore"
	"github.com/mhpenta/pagegen/history"
	"github.com/mhpenta/pagegen/internal/logger"
	"github.com/mhpenta/pagegen/provider"
)

// FinalizePolicy picks the final status of a record from its batch result.
type FinalizePolicy func(*pagegen.BatchResult) pagegen.Status

// FailOnAnyFailure marks a record failed unless every page succeeded.
func FailOnAnyFailure(r *pagegen.BatchResult) pagegen.Status {
	if r.Complete() && !r.Cancelled {
		return pagegen.StatusComplete
	}
	return pagegen.StatusFailed
}

// Service is the generation data flow.
type Service struct {
	configs      *configstore.Store
	history      *history.Store
	factory      *pagegen.Factory
	generators   *provider.Cache
	orchestrator *pagegen.Orchestrator
	finalize     FinalizePolicy
	highLimit    int
	cacheTTL     time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	running map[string]*run
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithOrchestrator replaces the default orchestrator.
func WithOrchestrator(o *pagegen.Orchestrator) Option {
	return func(s *Service) {
		s.orchestrator = o
	}
}

// WithFinalizePolicy replaces FailOnAnyFailure.
func WithFinalizePolicy(p FinalizePolicy) Option {
	return func(s *Service) {
		s.finalize = p
	}
}

// WithHighConcurrencyLimit sets K, the batch limit of providers with
// high_concurrency on.
func WithHighConcurrencyLimit(k int) Option {
	return func(s *Service) {
		s.highLimit = k
	}
}

// WithGeneratorCacheTTL sets how long built generators are reused.
func WithGeneratorCacheTTL(d time.Duration) Option {
	return func(s *Service) {
		s.cacheTTL = d
	}
}

// New creates a Service.
func New(configs *configstore.Store, hist *history.Store, factory *pagegen.Factory, opts ...Option) *Service {
	s := &Service{
		configs:   configs,
		history:   hist,
		factory:   factory,
		finalize:  FailOnAnyFailure,
		highLimit: pagegen.DefaultHighConcurrency,
		logger:    slog.Default(),
		running:   make(map[string]*run),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.orchestrator == nil {
		s.orchestrator = pagegen.NewOrchestrator(pagegen.WithLogger(s.logger))
	}
	s.generators = provider.NewCache(factory, s.cacheTTL)
	return s
}

// Configs returns the configuration store.
func (s *Service) Configs() *configstore.Store {
	return s.configs
}

// History returns the history store.
func (s *Service) History() *history.Store {
	return s.history
}

// Close cancels running batches and closes cached generators.
func (s *Service) Close() error {
	s.mu.Lock()
	for _, r := range s.running {
		r.cancel()
	}
	s.mu.Unlock()
	s.generators.Flush()
	return nil
}

// GenerateText runs req on the active text provider. Failures are returned
// as they come, without retry.
func (s *Service) GenerateText(ctx context.Context, req *pagegen.Request) (*pagegen.Content, error) {
	if err := pagegen.ValidateRequest(req); err != nil {
		return nil, &pagegen.ValidationError{Field: "request", Reason: err.Error(), Err: err}
	}
	p, err := s.configs.Active(ctx, pagegen.CapabilityText)
	if err != nil {
		return nil, err
	}
	gen, err := s.generators.Build(ctx, pagegen.CapabilityText, p)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("generating text", "provider", p.Name, "model", p.Model)
	return gen.Generate(ctx, req)
}

// CreateRecord stores a draft record for outline.
func (s *Service) CreateRecord(ctx context.Context, title string, outline pagegen.Outline) (string, error) {
	return s.history.Create(ctx, title, outline)
}

// DeleteRecord cancels any batch running for id, waits for it to stop and
// deletes the record with its images.
func (s *Service) DeleteRecord(ctx context.Context, id string) error {
	if r := s.lookup(id); r != nil {
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.history.Delete(ctx, id)
}

// Cancel stops the batch running for id. It reports whether one was running.
func (s *Service) Cancel(id string) bool {
	r := s.lookup(id)
	if r == nil {
		return false
	}
	r.cancel()
	return true
}

// Running reports whether a batch is running for id.
func (s *Service) Running(id string) bool {
	return s.lookup(id) != nil
}

func (s *Service) lookup(id string) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[id]
}

// TestProvider builds a generator for cfg without saving it and verifies
// the credentials. Build failures are *pagegen.ConfigurationError; a failed
// check is a *pagegen.ProviderError.
func (s *Service) TestProvider(ctx context.Context, c pagegen.Capability, cfg pagegen.ProviderConfig) error {
	gen, err := s.factory.Build(ctx, c, cfg)
	if err != nil {
		return err
	}
	defer gen.Close()

	pinger, ok := gen.(pagegen.Pinger)
	if !ok {
		return nil
	}
	if err := pinger.Ping(ctx); err != nil {
		var pe *pagegen.ProviderError
		if errors.As(err, &pe) {
			return pe
		}
		return pagegen.NewProviderError(cfg.Type, cfg.Model, err)
	}
	return nil
}

func (s *Service) contextLogger(ctx context.Context, recordID string) (context.Context, *slog.Logger) {
	ctx = logger.WithContext(ctx, logger.RecordIDKey, recordID)
	return ctx, s.logger.With("record_id", recordID)
}

func errAlreadyRunning(id string) error {
	return &pagegen.InvalidStateError{ID: id, Current: pagegen.StatusGenerating, Op: "start a second batch"}
}
