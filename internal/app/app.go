// Package app assembles the stores, providers and service from the
// application config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mhpenta/pagegen"
	"github.com/mhpenta/pagegen/configstore"
	"github.com/mhpenta/pagegen/history"
	"github.com/mhpenta/pagegen/internal/config"
	"github.com/mhpenta/pagegen/provider"
	"github.com/mhpenta/pagegen/ratelimiter"
	"github.com/mhpenta/pagegen/service"
	"github.com/mhpenta/pagegen/storage"
)

// App owns every long-lived component.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Backends *storage.Switch
	Service  *service.Service

	redis   *redis.Client
	metrics *http.Server
}

// New wires the application. The caller must Close it.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	backends, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	a.Backends = backends

	factoryOpts := []provider.Option{
		provider.WithLogger(logger),
		provider.WithRequestTimeout(cfg.Provider.RequestTimeout),
	}
	if cfg.RateLimit.Enabled() {
		newLimiter, err := a.limiterFactory(ctx, cfg.RateLimit)
		if err != nil {
			_ = backends.Close()
			return nil, err
		}
		factoryOpts = append(factoryOpts, provider.WithRateLimits(ratelimiter.NewRegistry(), newLimiter, cfg.RateLimit.MaxWait))
	}

	orch := pagegen.NewOrchestrator(
		pagegen.WithLogger(logger),
		pagegen.WithMaxRetries(cfg.Batch.MaxRetries),
		pagegen.WithBackoff(cfg.Batch.BaseDelay, cfg.Batch.MaxDelay),
		pagegen.WithCallTimeout(cfg.Batch.CallTimeout),
		pagegen.WithDispatchInterval(cfg.Batch.DispatchInterval),
	)

	a.Service = service.New(
		configstore.New(backends, configstore.WithLogger(logger)),
		history.New(backends, history.WithLogger(logger)),
		provider.NewFactory(factoryOpts...),
		service.WithLogger(logger),
		service.WithOrchestrator(orch),
		service.WithHighConcurrencyLimit(cfg.Batch.HighConcurrencyLimit),
		service.WithGeneratorCacheTTL(cfg.Provider.CacheTTL),
	)
	return a, nil
}

// limiterFactory returns local token buckets, or a Redis sliding window
// shared across processes when redis_addr is set.
func (a *App) limiterFactory(ctx context.Context, rl config.RateLimitConfig) (func(string) ratelimiter.Limiter, error) {
	if rl.RedisAddr == "" {
		return func(string) ratelimiter.Limiter {
			return ratelimiter.New(rl.TokensPerMinute, rl.RequestsPerMinute)
		}, nil
	}

	rdb, err := ratelimiter.NewRedisClient(ctx, rl.RedisAddr, rl.RedisPassword, rl.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("connect rate limit redis: %w", err)
	}
	a.redis = rdb
	a.Logger.Info("distributed rate limiting enabled", "redis_addr", rl.RedisAddr, "rpm", rl.RequestsPerMinute)

	return func(key string) ratelimiter.Limiter {
		if rl.RequestsPerMinute <= 0 {
			return ratelimiter.New(rl.TokensPerMinute, 0)
		}
		return ratelimiter.NewRedisLimiter(rdb, "pagegen:ratelimit:"+key, rl.RequestsPerMinute, time.Minute)
	}, nil
}

// ServeMetrics exposes /metrics in the background when metrics are enabled.
func (a *App) ServeMetrics() {
	if !a.Config.Metrics.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metrics = &http.Server{
		Addr:              a.Config.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.Logger.Info("metrics server listening", "addr", a.Config.Metrics.Addr)
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("metrics server failed", "error", err.Error())
		}
	}()
}

// Close shuts everything down.
func (a *App) Close() error {
	var errs []error
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, a.metrics.Shutdown(ctx))
	}
	if a.Service != nil {
		errs = append(errs, a.Service.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Backends != nil {
		errs = append(errs, a.Backends.Close())
	}
	return errors.Join(errs...)
}
