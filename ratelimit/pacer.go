package ratelimit

import (
	"context"

	"github.com/goliatone/go-redemptions/core"
	"golang.org/x/time/rate"
)

// SessionPacer spaces calls into the delivery session.
type SessionPacer struct {
	limiter *rate.Limiter
}

// NewSessionPacer returns nil when cfg.CallsPerSecond is not positive.
func NewSessionPacer(cfg core.SessionConfig) *SessionPacer {
	if cfg.CallsPerSecond <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &SessionPacer{limiter: rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), burst)}
}

func (p *SessionPacer) Wait(ctx context.Context) error {
	if p == nil || p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}

func (p *SessionPacer) Limit() float64 {
	if p == nil || p.limiter == nil {
		return 0
	}
	return float64(p.limiter.Limit())
}

var _ core.CallPacer = (*SessionPacer)(nil)
