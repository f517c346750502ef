// Package configstore keeps the provider configurations of every capability
// and the name of the active provider, on whichever backend is active.
package configstore

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/mhpenta/pagegen"
	"github.com/mhpenta/pagegen/internal/keylock"
	"github.com/mhpenta/pagegen/internal/metrics"
	"github.com/mhpenta/pagegen/storage"
)

// Backends is the view of storage.Switch the store needs.
type Backends interface {
	Current() pagegen.Backend
	Kind() pagegen.BackendKind
	Switch(ctx context.Context, target pagegen.BackendKind, creds *storage.Credentials) error
}

// Store is the Configuration Store. Reads return copies; writes are
// serialized per capability and durable on return.
type Store struct {
	backends Backends
	locks    *keylock.KeyLock
	logger   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates a Store over backends.
func New(backends Backends, opts ...Option) *Store {
	s := &Store{
		backends: backends,
		locks:    keylock.New(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func checkCapability(c pagegen.Capability) error {
	if !c.Valid() {
		return &pagegen.ValidationError{Field: "capability", Reason: fmt.Sprintf("unknown capability %q", c)}
	}
	return nil
}

// Get returns the configuration of c. Nothing stored yields an empty config.
func (s *Store) Get(ctx context.Context, c pagegen.Capability) (*pagegen.CapabilityConfig, error) {
	if err := checkCapability(c); err != nil {
		return nil, err
	}
	cfg, err := s.backends.Current().LoadCapability(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("load %s config: %w", c, err)
	}
	return cfg.Clone(), nil
}

// Active returns a snapshot of the active provider of c, or
// *pagegen.ConfigurationError when none is active.
func (s *Store) Active(ctx context.Context, c pagegen.Capability) (pagegen.ProviderConfig, error) {
	cfg, err := s.Get(ctx, c)
	if err != nil {
		return pagegen.ProviderConfig{}, err
	}
	p, ok := cfg.Active()
	if !ok {
		return pagegen.ProviderConfig{}, &pagegen.ConfigurationError{Capability: c, Reason: "no active provider"}
	}
	return p, nil
}

// Providers lists the providers of c sorted by name, with API keys masked.
func (s *Store) Providers(ctx context.Context, c pagegen.Capability) ([]pagegen.ProviderConfig, error) {
	cfg, err := s.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	out := make([]pagegen.ProviderConfig, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		out = append(out, p.Masked())
	}
	slices.SortFunc(out, func(a, b pagegen.ProviderConfig) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// Upsert creates or replaces the provider name of c. The active name is
// unchanged.
func (s *Store) Upsert(ctx context.Context, c pagegen.Capability, name string, p pagegen.ProviderConfig) error {
	if err := checkCapability(c); err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return &pagegen.ValidationError{Field: "name", Reason: "is required"}
	}
	p = p.Clone()
	p.Name = name
	if err := pagegen.ValidateProviderConfig(c, p); err != nil {
		return err
	}

	return s.update(ctx, c, "upsert", func(cfg *pagegen.CapabilityConfig) error {
		cfg.Providers[name] = p
		return nil
	})
}

// SetActive makes name the active provider of c.
func (s *Store) SetActive(ctx context.Context, c pagegen.Capability, name string) error {
	if err := checkCapability(c); err != nil {
		return err
	}
	return s.update(ctx, c, "set_active", func(cfg *pagegen.CapabilityConfig) error {
		if _, ok := cfg.Providers[name]; !ok {
			return &pagegen.NotFoundError{Kind: "provider", ID: string(c) + "/" + name}
		}
		cfg.ActiveProvider = name
		return nil
	})
}

// Delete removes the provider name of c. Deleting the active provider
// leaves c without one.
func (s *Store) Delete(ctx context.Context, c pagegen.Capability, name string) error {
	if err := checkCapability(c); err != nil {
		return err
	}
	return s.update(ctx, c, "delete", func(cfg *pagegen.CapabilityConfig) error {
		if _, ok := cfg.Providers[name]; !ok {
			return &pagegen.NotFoundError{Kind: "provider", ID: string(c) + "/" + name}
		}
		delete(cfg.Providers, name)
		if cfg.ActiveProvider == name {
			cfg.ActiveProvider = ""
		}
		return nil
	})
}

// update is a read-modify-write of one capability under its lock. The same
// backend serves the read and the write even if a switch happens meanwhile.
func (s *Store) update(ctx context.Context, c pagegen.Capability, op string, mutate func(*pagegen.CapabilityConfig) error) error {
	unlock := s.locks.Lock(string(c))
	defer unlock()

	backend := s.backends.Current()
	kind := string(backend.Kind())

	cfg, err := backend.LoadCapability(ctx, c)
	if err != nil {
		metrics.StoreWrites.WithLabelValues("config", kind, "error").Inc()
		return fmt.Errorf("load %s config: %w", c, err)
	}
	cfg = cfg.Clone()
	if err := mutate(cfg); err != nil {
		return err
	}
	if err := backend.SaveCapability(ctx, c, cfg); err != nil {
		metrics.StoreWrites.WithLabelValues("config", kind, "error").Inc()
		s.logger.Error("failed to save config",
			"capability", string(c),
			"op", op,
			"backend", kind,
			"error", err.Error(),
		)
		return fmt.Errorf("save %s config: %w", c, err)
	}

	metrics.StoreWrites.WithLabelValues("config", kind, "success").Inc()
	s.logger.Debug("config updated", "capability", string(c), "op", op, "backend", kind)
	return nil
}

// SwitchBackend makes target the backend of every later read and write.
// Bad or missing hosted credentials return *pagegen.ConnectionError and
// keep the current backend. Nothing is migrated.
func (s *Store) SwitchBackend(ctx context.Context, target pagegen.BackendKind, creds *storage.Credentials) error {
	return s.backends.Switch(ctx, target, creds)
}

// Backend reports the active backend kind.
func (s *Store) Backend() pagegen.BackendKind {
	return s.backends.Kind()
}
