package core

import (
	"context"
	"time"
)

type StepClass string

const (
	StepIdempotentRetryable StepClass = "idempotent_retryable"
	StepNonIdempotentOnce   StepClass = "non_idempotent_once"
	StepNonRetryable        StepClass = "non_retryable"
)

type Step string

const (
	StepValidation     Step = "validation"
	StepContactRequest Step = "contact_request"
	StepContactPoll    Step = "contact_poll"
	StepDelivery       Step = "delivery"
)

func (s Step) Class() StepClass {
	switch s {
	case StepContactRequest, StepContactPoll:
		return StepIdempotentRetryable
	case StepDelivery:
		return StepNonIdempotentOnce
	default:
		return StepNonRetryable
	}
}

// RetryPolicy bounds an idempotent-retryable step. Attempt numbers start at 1.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Exhausted reports whether attempts failed tries use up the budget.
func (p RetryPolicy) Exhausted(attempts int) bool {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return attempts >= maxAttempts
}

// NextDelay returns InitialBackoff * 2^(attempt-1), capped at MaxBackoff.
// Without a cap the delay stops growing at the last value that fits.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	delay := p.InitialBackoff
	if delay <= 0 {
		delay = time.Second
	}
	maxDelay := p.MaxBackoff
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	for i := 1; i < attempt; i++ {
		next := delay * 2
		if next <= delay {
			// overflow; keep the largest representable step
			return delay
		}
		delay = next
		if maxDelay > 0 && delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

// NextRetryAt schedules the next try, never later than deadline when set.
func (p RetryPolicy) NextRetryAt(now time.Time, attempt int, deadline *time.Time) time.Time {
	next := now.Add(p.NextDelay(attempt))
	if deadline != nil && deadline.Before(next) {
		return deadline.UTC()
	}
	return next.UTC()
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
