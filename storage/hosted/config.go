package hosted

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mhpenta/pagegen"
)

// LoadCapability reads the provider rows and the active name from one
// snapshot, so the active name always refers to a stored provider.
func (b *Backend) LoadCapability(ctx context.Context, c pagegen.Capability) (*pagegen.CapabilityConfig, error) {
	ctx, span := tracer.Start(ctx, "postgres.ConfigStore.LoadCapability")
	defer span.End()

	cfg := pagegen.NewCapabilityConfig()
	err := b.inTxWith(ctx, readSnapshot, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT name, config FROM provider_configs WHERE capability = $1`, string(c))
		if err != nil {
			return fmt.Errorf("failed to query %s providers: %w", c, err)
		}
		for rows.Next() {
			var name string
			var p pagegen.ProviderConfig
			if err := rows.Scan(&name, &p); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan %s provider: %w", c, err)
			}
			p.Name = name
			cfg.Providers[name] = p
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to read %s providers: %w", c, err)
		}

		err = tx.QueryRow(ctx,
			`SELECT active_provider FROM capability_state WHERE capability = $1`, string(c),
		).Scan(&cfg.ActiveProvider)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to read %s active provider: %w", c, err)
		}
		return nil
	})
	if err != nil {
		return nil, fail(span, err)
	}
	return cfg, nil
}

// SaveCapability replaces every provider row of the capability and its
// active name in one transaction.
func (b *Backend) SaveCapability(ctx context.Context, c pagegen.Capability, cfg *pagegen.CapabilityConfig) error {
	ctx, span := tracer.Start(ctx, "postgres.ConfigStore.SaveCapability")
	defer span.End()

	err := b.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM provider_configs WHERE capability = $1`, string(c)); err != nil {
			return fmt.Errorf("failed to clear %s providers: %w", c, err)
		}
		for name, p := range cfg.Providers {
			_, err := tx.Exec(ctx,
				`INSERT INTO provider_configs (capability, name, config, updated_at) VALUES ($1, $2, $3, now())`,
				string(c), name, p)
			if err != nil {
				return fmt.Errorf("failed to insert provider %s: %w", name, err)
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO capability_state (capability, active_provider, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (capability) DO UPDATE
			SET active_provider = EXCLUDED.active_provider, updated_at = EXCLUDED.updated_at`,
			string(c), cfg.ActiveProvider)
		if err != nil {
			return fmt.Errorf("failed to save %s active provider: %w", c, err)
		}
		return nil
	})
	if err != nil {
		return fail(span, err)
	}
	return nil
}
