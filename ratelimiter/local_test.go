package ratelimiter

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucket(t *testing.T) {
	capacity := 10
	bucket := NewTokenBucket(capacity, capacity, time.Minute)

	if !bucket.Consume(5) {
		t.Error("failed to consume tokens from full bucket")
	}
	if bucket.remaining != 5 {
		t.Errorf("expected 5 remaining tokens, got %d", bucket.remaining)
	}

	if bucket.Consume(6) {
		t.Error("should not be able to consume more than remaining")
	}

	fastBucket := NewTokenBucket(capacity, 0, 10*time.Millisecond)
	if fastBucket.Consume(1) {
		t.Error("should fail to consume from empty bucket")
	}

	time.Sleep(20 * time.Millisecond)

	if !fastBucket.Consume(1) {
		t.Error("should succeed after refill")
	}
}

func TestTokenBucket_Nil(t *testing.T) {
	var bucket *TokenBucket
	if !bucket.Consume(1_000_000) {
		t.Error("nil bucket should be unlimited")
	}
	if wait := bucket.TimeUntilAvailable(5); wait != 0 {
		t.Errorf("nil bucket wait = %v, want 0", wait)
	}
}

func TestLocalLimiter_TryConsume(t *testing.T) {
	ctx := context.Background()

	rl := New(100, 10)
	if ok, _ := rl.TryConsume(ctx, 10); !ok {
		t.Error("should be able to proceed with valid request")
	}

	smallTokenRL := New(10, 100)
	if ok, _ := smallTokenRL.TryConsume(ctx, 10); !ok {
		t.Error("should be able to consume exactly available tokens")
	}
	if ok, _ := smallTokenRL.TryConsume(ctx, 1); ok {
		t.Error("should not proceed when tokens exhausted")
	}

	smallReqRL := New(100, 1)
	if ok, _ := smallReqRL.TryConsume(ctx, 1); !ok {
		t.Error("should be able to proceed with 1st request")
	}
	if ok, _ := smallReqRL.TryConsume(ctx, 1); ok {
		t.Error("should not proceed when requests exhausted")
	}
	if smallReqRL.TokensBucket.remaining != 99 {
		t.Errorf("refused request consumed tokens: remaining %d, want 99", smallReqRL.TokensBucket.remaining)
	}
}

func TestLocalLimiter_TimeUntilAvailable(t *testing.T) {
	rl := New(60, 60) // 1 token per second
	rl.TokensBucket.Consume(60)

	wait := rl.TimeUntilAvailable(context.Background(), 1)
	if wait < 900*time.Millisecond || wait > 1500*time.Millisecond {
		t.Errorf("expected wait around 1s, got %v", wait)
	}
}

func TestLocalLimiter_WaitAndConsume(t *testing.T) {
	t.Run("exceeds max wait", func(t *testing.T) {
		rl := New(60, 0)
		rl.TokensBucket.Consume(60)

		err := rl.WaitAndConsume(context.Background(), 30, 10*time.Millisecond)
		if err == nil {
			t.Fatal("expected error when wait exceeds maxWait")
		}
	})

	t.Run("context cancelled", func(t *testing.T) {
		rl := New(60, 0)
		rl.TokensBucket.Consume(60)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := rl.WaitAndConsume(ctx, 1, 0); err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("larger than capacity", func(t *testing.T) {
		rl := New(10, 0)
		if err := rl.WaitAndConsume(context.Background(), 11, 0); err == nil {
			t.Error("expected error for request larger than capacity")
		}
	})

	t.Run("available immediately", func(t *testing.T) {
		rl := New(10, 10)
		if err := rl.WaitAndConsume(context.Background(), 5, time.Second); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}
