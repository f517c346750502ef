package pagegen

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Constructor builds a Generator for one (capability, provider type) pair.
// cfg has already passed CheckProviderConfig.
type Constructor func(ctx context.Context, cfg ProviderConfig) (Generator, error)

// FactoryKey identifies a registration in the Factory table.
type FactoryKey struct {
	Capability Capability
	Type       ProviderType
}

func (k FactoryKey) String() string {
	return fmt.Sprintf("%s/%s", k.Capability, k.Type)
}

// Factory maps (capability, provider type) to a constructor. Adding a
// provider is a Register call; callers only ever go through Build.
type Factory struct {
	constructors map[FactoryKey]Constructor
	logger       *slog.Logger
	mu           sync.RWMutex
}

// FactoryOption configures the Factory.
type FactoryOption func(*Factory)

// WithFactoryLogger sets a structured logger for the factory.
func WithFactoryLogger(logger *slog.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = logger
	}
}

// NewFactory creates an empty Factory.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{
		constructors: make(map[FactoryKey]Constructor),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register adds or replaces the constructor for (c, t).
func (f *Factory) Register(c Capability, t ProviderType, ctor Constructor) *Factory {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.constructors[FactoryKey{Capability: c, Type: t}] = ctor
	return f
}

// Registered lists the registered keys in a stable order.
func (f *Factory) Registered() []FactoryKey {
	f.mu.RLock()
	defer f.mu.RUnlock()

	keys := make([]FactoryKey, 0, len(f.constructors))
	for k := range f.constructors {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}

// Build constructs the Generator selected by cfg.Type for capability c.
// Unknown types and missing required fields fail with *ConfigurationError.
func (f *Factory) Build(ctx context.Context, c Capability, cfg ProviderConfig) (Generator, error) {
	key := FactoryKey{Capability: c, Type: cfg.Type}

	f.mu.RLock()
	ctor, ok := f.constructors[key]
	f.mu.RUnlock()

	if !ok {
		return nil, &ConfigurationError{
			Capability: c,
			Provider:   cfg.Name,
			Field:      "provider_type",
			Reason:     fmt.Sprintf("unsupported provider type %q", cfg.Type),
		}
	}

	if err := CheckProviderConfig(c, cfg); err != nil {
		return nil, err
	}

	gen, err := ctor(ctx, cfg.Clone())
	if err != nil {
		f.logger.Error("failed to build generator",
			"capability", string(c),
			"provider", cfg.Name,
			"provider_type", string(cfg.Type),
			"error", err.Error(),
		)
		return nil, err
	}

	f.logger.Debug("generator built",
		"capability", string(c),
		"provider", cfg.Name,
		"provider_type", string(cfg.Type),
		"model", cfg.Model,
	)
	return gen, nil
}
