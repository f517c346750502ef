package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mhpenta/pagegen"
	"gopkg.in/yaml.v3"
)

func (b *Backend) capabilityPath(c pagegen.Capability) string {
	return filepath.Join(b.root, configDir, string(c)+".yaml")
}

// LoadCapability reads config/<capability>.yaml. A missing file is an
// empty config.
func (b *Backend) LoadCapability(_ context.Context, c pagegen.Capability) (*pagegen.CapabilityConfig, error) {
	data, err := os.ReadFile(b.capabilityPath(c))
	if errors.Is(err, fs.ErrNotExist) {
		return pagegen.NewCapabilityConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s config: %w", c, err)
	}

	cfg := pagegen.NewCapabilityConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s config: %w", c, err)
	}
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]pagegen.ProviderConfig)
	}
	// The map key is authoritative for hand-edited files.
	for name, p := range cfg.Providers {
		p.Name = name
		cfg.Providers[name] = p
	}
	return cfg, nil
}

// SaveCapability atomically replaces config/<capability>.yaml.
func (b *Backend) SaveCapability(_ context.Context, c pagegen.Capability, cfg *pagegen.CapabilityConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode %s config: %w", c, err)
	}
	if err := writeFileAtomic(b.capabilityPath(c), data); err != nil {
		return fmt.Errorf("write %s config: %w", c, err)
	}
	return nil
}
