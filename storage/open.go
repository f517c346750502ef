package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mhpenta/pagegen"
	"github.com/mhpenta/pagegen/internal/config"
	"github.com/mhpenta/pagegen/storage/hosted"
	"github.com/mhpenta/pagegen/storage/local"
)

// LocalOpener opens the local backend in creds.DataDir, or dataDir when unset.
func LocalOpener(dataDir string, logger *slog.Logger) Opener {
	return func(_ context.Context, creds *Credentials) (pagegen.Backend, error) {
		dir := dataDir
		if creds.DataDir != "" {
			dir = creds.DataDir
		}
		return local.Open(dir, local.WithLogger(logger))
	}
}

// HostedOpener opens the hosted backend with creds.DSN and the pool
// settings of cfg.
func HostedOpener(cfg config.HostedConfig, logger *slog.Logger) Opener {
	return func(ctx context.Context, creds *Credentials) (pagegen.Backend, error) {
		return hosted.Open(ctx, hosted.Config{
			DSN:             creds.DSN,
			MaxConns:        cfg.MaxConns,
			ConnectTimeout:  cfg.ConnectTimeout,
			MaxConnLifetime: cfg.MaxConnLifetime,
		}, hosted.WithLogger(logger))
	}
}

// Open builds a Switch for the configured startup backend with openers for
// both kinds.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*Switch, error) {
	openLocal := LocalOpener(cfg.DataDir, logger)
	openHosted := HostedOpener(cfg.Hosted, logger)

	var initial pagegen.Backend
	var err error
	switch pagegen.BackendKind(cfg.Backend) {
	case pagegen.BackendHosted:
		initial, err = openHosted(ctx, &Credentials{DSN: cfg.Hosted.DSN})
	default:
		initial, err = openLocal(ctx, &Credentials{})
	}
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Backend, err)
	}

	return NewSwitch(initial,
		WithLogger(logger),
		WithOpener(pagegen.BackendLocal, openLocal),
		WithOpener(pagegen.BackendHosted, openHosted),
	), nil
}
