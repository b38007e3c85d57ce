package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/JakeFAU/serp-rank-tracker/internal/metrics"
)

func TestLimiter_Wait(t *testing.T) {
	metrics.Init()
	l := New(Config{
		DefaultRPS:   10, // 10 requests per second = 100ms interval
		DefaultBurst: 1,
	})
	ctx := context.Background()

	// Consume initial token
	if err := l.Wait(ctx, "serpapi_1"); err != nil {
		t.Fatal(err)
	}

	// Next one should wait ~100ms
	start := time.Now()
	if err := l.Wait(ctx, "serpapi_1"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiter_DifferentCredentials(t *testing.T) {
	metrics.Init()
	l := New(Config{
		DefaultRPS:   1,
		DefaultBurst: 1,
	})
	ctx := context.Background()

	if err := l.Wait(ctx, "serpapi_1"); err != nil {
		t.Fatal(err)
	}

	// serpapi_2 should not be blocked by serpapi_1
	start := time.Now()
	if err := l.Wait(ctx, "serpapi_2"); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 10*time.Millisecond {
		t.Errorf("credential serpapi_2 blocked unexpectedly")
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	l := New(Config{})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 50; i++ {
		if err := l.Wait(ctx, "serpapi_1"); err != nil {
			t.Fatal(err)
		}
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("unlimited limiter should not block")
	}
}

func TestLimiter_ContextCanceled(t *testing.T) {
	metrics.Init()
	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	if err := l.Wait(context.Background(), "serpapi_1"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Wait(ctx, "serpapi_1"); err == nil {
		t.Fatal("expected error for canceled context")
	}
	l.Forget("serpapi_1")
	if err := l.Wait(context.Background(), "serpapi_1"); err != nil {
		t.Fatalf("expected fresh bucket after Forget, got %v", err)
	}
}
