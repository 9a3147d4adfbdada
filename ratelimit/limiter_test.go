package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-redemptions/core"
)

func newTestLimiter(now *time.Time) *SubmissionLimiter {
	limiter := NewSubmissionLimiter(core.SubmissionConfig{PerMinute: 60, Burst: 2})
	limiter.Now = func() time.Time { return *now }
	return limiter
}

func TestSubmissionLimiter_ThrottlesPerKey(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	limiter := newTestLimiter(&now)

	if !limiter.Allow("client-a") || !limiter.Allow("client-a") {
		t.Fatalf("expected burst of two to be allowed")
	}
	err := limiter.Check("client-a")
	var throttled ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("expected throttled error, got %v", err)
	}
	if throttled.RetryAfter != time.Second {
		t.Fatalf("expected one second retry hint, got %s", throttled.RetryAfter)
	}
	if !limiter.Allow(" CLIENT-B ") {
		t.Fatalf("expected independent bucket for another key")
	}

	now = now.Add(time.Second)
	if !limiter.Allow("client-a") {
		t.Fatalf("expected a token after one second")
	}
}

func TestSubmissionLimiter_RejectedCallsDoNotSpendTokens(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	limiter := newTestLimiter(&now)
	limiter.Allow("k")
	limiter.Allow("k")
	for i := 0; i < 5; i++ {
		limiter.Allow("k")
	}
	now = now.Add(time.Second)
	if !limiter.Allow("k") {
		t.Fatalf("expected throttled attempts to leave the refill untouched")
	}
}

func TestSubmissionLimiter_DisabledWhenUnset(t *testing.T) {
	limiter := NewSubmissionLimiter(core.SubmissionConfig{})
	if limiter != nil {
		t.Fatalf("expected nil limiter for zero rate")
	}
	for i := 0; i < 10; i++ {
		if !limiter.Allow("k") {
			t.Fatalf("nil limiter must allow everything")
		}
	}
}

func TestSubmissionLimiter_SweepDropsIdleKeys(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	limiter := newTestLimiter(&now)
	limiter.IdleTTL = time.Minute
	limiter.Allow("old")
	now = now.Add(50 * time.Second)
	limiter.Allow("fresh")
	now = now.Add(20 * time.Second)

	if removed := limiter.Sweep(); removed != 1 {
		t.Fatalf("expected one idle key removed, got %d", removed)
	}
	if limiter.Len() != 1 {
		t.Fatalf("expected fresh key to remain, got %d", limiter.Len())
	}
}

func TestThrottledError_ToServiceError(t *testing.T) {
	mapped := ThrottledError{Key: "client-a", RetryAfter: 1500 * time.Millisecond}.ToServiceError()
	if mapped.Category != goerrors.CategoryRateLimit {
		t.Fatalf("expected rate limit category, got %q", mapped.Category)
	}
	if mapped.TextCode != core.RedemptionErrorRateLimited {
		t.Fatalf("expected rate limited text code, got %q", mapped.TextCode)
	}
	if mapped.Metadata["retry_after_ms"] != int64(1500) {
		t.Fatalf("expected retry hint metadata, got %#v", mapped.Metadata)
	}
}

func TestSessionPacer(t *testing.T) {
	if pacer := NewSessionPacer(core.SessionConfig{}); pacer != nil {
		t.Fatalf("expected nil pacer when unpaced")
	}
	var unpaced *SessionPacer
	if err := unpaced.Wait(context.Background()); err != nil {
		t.Fatalf("nil pacer wait: %v", err)
	}

	pacer := NewSessionPacer(core.SessionConfig{CallsPerSecond: 1, Burst: 1})
	if pacer.Limit() != 1 {
		t.Fatalf("unexpected limit %v", pacer.Limit())
	}
	if err := pacer.Wait(context.Background()); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := pacer.Wait(ctx); err == nil {
		t.Fatalf("expected second call to exceed the deadline")
	}
}
