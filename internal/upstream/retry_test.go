package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func recordingSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestRetryOnRateLimit_SucceedsFirstAttempt(t *testing.T) {
	var delays []time.Duration
	cfg := DefaultRetryConfig()
	cfg.sleep = recordingSleep(&delays)

	calls := 0
	err := RetryOnRateLimit(context.Background(), cfg, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if len(delays) != 0 {
		t.Fatalf("expected no sleeps, got %v", delays)
	}
}

func TestRetryOnRateLimit_AlwaysRateLimitedStopsAtThree(t *testing.T) {
	var delays []time.Duration
	cfg := DefaultRetryConfig()
	cfg.sleep = recordingSleep(&delays)

	calls := 0
	err := RetryOnRateLimit(context.Background(), cfg, func() error {
		calls++
		return &APIError{Provider: "shikimori", StatusCode: http.StatusTooManyRequests}
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate-limit error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
	if len(delays) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", len(delays))
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] < delays[i-1] {
			t.Fatalf("delays must not decrease: %v", delays)
		}
	}
	for _, d := range delays {
		if d < cfg.InitialDelay || d > cfg.MaxDelay {
			t.Fatalf("delay %v outside [%v, %v]", d, cfg.InitialDelay, cfg.MaxDelay)
		}
	}
}

func TestRetryOnRateLimit_DelaysCappedAndNonDecreasing(t *testing.T) {
	var delays []time.Duration
	cfg := RetryConfig{
		MaxAttempts:  6,
		InitialDelay: 4 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		sleep:        recordingSleep(&delays),
	}
	_ = RetryOnRateLimit(context.Background(), cfg, func() error {
		return fmt.Errorf("provider said: Too Many Requests")
	})
	if len(delays) != 5 {
		t.Fatalf("expected 5 sleeps, got %d", len(delays))
	}
	for i, d := range delays {
		if d > 30*time.Second {
			t.Fatalf("delay %d = %v exceeds cap", i, d)
		}
		if i > 0 && d < delays[i-1] {
			t.Fatalf("delays must not decrease: %v", delays)
		}
	}
	if delays[len(delays)-1] != 30*time.Second {
		t.Fatalf("expected final delay at cap, got %v", delays[len(delays)-1])
	}
}

func TestRetryOnRateLimit_PermanentErrorNotRetried(t *testing.T) {
	var delays []time.Duration
	cfg := DefaultRetryConfig()
	cfg.sleep = recordingSleep(&delays)

	permanent := &APIError{Provider: "kodik", StatusCode: http.StatusBadRequest, Message: "bad token"}
	calls := 0
	err := RetryOnRateLimit(context.Background(), cfg, func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetryOnRateLimit_NoResultsNotRetried(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.sleep = recordingSleep(new([]time.Duration))

	calls := 0
	err := RetryOnRateLimit(context.Background(), cfg, func() error {
		calls++
		return &APIError{Provider: "shikimori", StatusCode: http.StatusNotFound}
	})
	if !errors.Is(err, ErrNoResults) {
		t.Fatalf("expected no-results error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetryOnRateLimit_SucceedsAfterRateLimit(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.sleep = recordingSleep(new([]time.Duration))

	calls := 0
	err := RetryOnRateLimit(context.Background(), cfg, func() error {
		calls++
		if calls < 2 {
			return ErrRateLimited
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRetryOnRateLimit_ContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}

	calls := 0
	err := RetryOnRateLimit(ctx, cfg, func() error {
		calls++
		return ErrRateLimited
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call before cancellation, got %d", calls)
	}
}

func TestAPIErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		err         *APIError
		rateLimited bool
		noResults   bool
		provider    bool
	}{
		{"429", &APIError{StatusCode: 429}, true, false, false},
		{"message pattern", &APIError{StatusCode: 200, Message: "Rate limit exceeded"}, true, false, false},
		{"404", &APIError{StatusCode: 404}, false, true, false},
		{"503", &APIError{StatusCode: 503}, false, false, true},
		{"400", &APIError{StatusCode: 400, Message: "invalid"}, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("call: %w", tt.err)
			if got := IsRateLimited(wrapped); got != tt.rateLimited {
				t.Errorf("IsRateLimited = %v, want %v", got, tt.rateLimited)
			}
			if got := errors.Is(wrapped, ErrNoResults); got != tt.noResults {
				t.Errorf("no results = %v, want %v", got, tt.noResults)
			}
			if got := errors.Is(wrapped, ErrProviderSide); got != tt.provider {
				t.Errorf("provider side = %v, want %v", got, tt.provider)
			}
		})
	}
}
