package ratelimit

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-redemptions/core"
	"golang.org/x/time/rate"
)

const DefaultIdleTTL = 10 * time.Minute

type ThrottledError struct {
	Key        string
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf("ratelimit: key %q throttled for %s", strings.TrimSpace(e.Key), e.RetryAfter)
}

func (e ThrottledError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{"key": strings.TrimSpace(e.Key)}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New(e.Error(), goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.RedemptionErrorRateLimited).
		WithMetadata(metadata)
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SubmissionLimiter keeps one token bucket per caller key.
type SubmissionLimiter struct {
	Now     func() time.Time
	IdleTTL time.Duration

	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	visitors map[string]*visitor
}

// NewSubmissionLimiter returns nil when cfg.PerMinute is not positive so
// callers can pass the result straight to core.WithSubmissionLimiter.
func NewSubmissionLimiter(cfg core.SubmissionConfig) *SubmissionLimiter {
	if cfg.PerMinute <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &SubmissionLimiter{
		Now:      func() time.Time { return time.Now().UTC() },
		IdleTTL:  DefaultIdleTTL,
		limit:    rate.Limit(cfg.PerMinute / 60),
		burst:    burst,
		visitors: map[string]*visitor{},
	}
}

func (l *SubmissionLimiter) Allow(key string) bool {
	return l.Check(key) == nil
}

// Check consumes one token for key and reports how long the caller should
// wait when none is available.
func (l *SubmissionLimiter) Check(key string) error {
	if l == nil {
		return nil
	}
	key = normalizeKey(key)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	v := l.visitor(key, now)
	reservation := v.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return ThrottledError{Key: key}
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return ThrottledError{Key: key, RetryAfter: delay}
	}
	return nil
}

// Sweep drops buckets idle for longer than IdleTTL and returns how many were
// removed.
func (l *SubmissionLimiter) Sweep() int {
	if l == nil {
		return 0
	}
	ttl := l.IdleTTL
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > ttl {
			delete(l.visitors, key)
			removed++
		}
	}
	return removed
}

func (l *SubmissionLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

func (l *SubmissionLimiter) visitor(key string, now time.Time) *visitor {
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v
}

func (l *SubmissionLimiter) now() time.Time {
	if l != nil && l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func normalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return "anonymous"
	}
	return key
}

var _ core.SubmissionLimiter = (*SubmissionLimiter)(nil)
