package ratelimiter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("pagegen/ratelimiter")

// RedisLimiter is a sliding-window request limiter shared by every process
// talking to the same Redis. Token limits are not enforced; only the request
// count per window is.
type RedisLimiter struct {
	rdb    redis.UniversalClient
	key    string
	limit  int
	window time.Duration
}

// Ensure RedisLimiter implements Limiter.
var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter limits key to limit requests per window.
func NewRedisLimiter(rdb redis.UniversalClient, key string, limit int, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		rdb:    rdb,
		key:    "ratelimit:" + key,
		limit:  limit,
		window: window,
	}
}

// NewRedisClient connects to addr and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}

// count trims entries outside the window and returns the remaining count.
func (l *RedisLimiter) count(ctx context.Context, now time.Time) (int64, error) {
	windowStart := now.Add(-l.window).UnixMilli()

	pipe := l.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, l.key, "0", strconv.FormatInt(windowStart, 10))
	countCmd := pipe.ZCard(ctx, l.key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return countCmd.Val(), nil
}

// TryConsume records one request if the window has room. tokens is ignored.
func (l *RedisLimiter) TryConsume(ctx context.Context, tokens int) (bool, error) {
	ctx, span := tracer.Start(ctx, "ratelimit.TryConsume")
	span.SetAttributes(
		attribute.String("ratelimit.key", l.key),
		attribute.Int("ratelimit.limit", l.limit),
	)
	defer span.End()

	now := time.Now()
	count, err := l.count(ctx, now)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if count >= int64(l.limit) {
		span.SetAttributes(attribute.Bool("ratelimit.allowed", false))
		return false, nil
	}

	pipe := l.rdb.Pipeline()
	pipe.ZAdd(ctx, l.key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: strconv.FormatInt(now.UnixMilli(), 10) + "-" + uuid.NewString(),
	})
	pipe.Expire(ctx, l.key, l.window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return false, err
	}

	span.SetAttributes(attribute.Bool("ratelimit.allowed", true))
	return true, nil
}

// TimeUntilAvailable returns when the oldest request leaves the window.
func (l *RedisLimiter) TimeUntilAvailable(ctx context.Context, tokens int) time.Duration {
	now := time.Now()
	count, err := l.count(ctx, now)
	if err != nil || count < int64(l.limit) {
		return 0
	}
	oldest, err := l.rdb.ZRangeWithScores(ctx, l.key, 0, 0).Result()
	if err != nil || len(oldest) == 0 {
		return 0
	}
	expires := time.UnixMilli(int64(oldest[0].Score)).Add(l.window)
	return max(time.Until(expires), 0)
}

// WaitAndConsume polls until a request slot frees up or maxWait elapses.
func (l *RedisLimiter) WaitAndConsume(ctx context.Context, tokens int, maxWait time.Duration) error {
	deadline := time.Time{}
	if maxWait > 0 {
		deadline = time.Now().Add(maxWait)
	}

	for {
		ok, err := l.TryConsume(ctx, tokens)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		wait := max(l.TimeUntilAvailable(ctx, tokens), 50*time.Millisecond)
		if !deadline.IsZero() && time.Now().Add(wait).After(deadline) {
			return fmt.Errorf("rate limit wait time %v exceeds max wait %v", wait, maxWait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Reset clears the window.
func (l *RedisLimiter) Reset(ctx context.Context) error {
	return l.rdb.Del(ctx, l.key).Err()
}
