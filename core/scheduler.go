package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
)

type RedemptionAdvancer interface {
	Advance(ctx context.Context, redemptionID string) (AdvanceResult, error)
}

type TickStats struct {
	Scanned    int
	Advanced   int
	Changed    int
	Skipped    int
	Failed     int
	Dispatched int
}

// RetryScheduler rescans persisted redemptions whose NextRetryAt has passed
// and advances them on a bounded worker pool. All pending work lives in the
// store, so a restart resumes on the first tick.
type RetryScheduler struct {
	advancer   RedemptionAdvancer
	store      RedemptionStore
	config     SchedulerConfig
	dispatcher AdvanceDispatcher
	logger     Logger
	now        func() time.Time
}

type SchedulerOption func(*RetryScheduler)

// WithSchedulerDispatcher sends due ids to a work queue instead of the
// in-process pool.
func WithSchedulerDispatcher(dispatcher AdvanceDispatcher) SchedulerOption {
	return func(s *RetryScheduler) {
		s.dispatcher = dispatcher
	}
}

func WithSchedulerLogger(logger Logger) SchedulerOption {
	return func(s *RetryScheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *RetryScheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func NewRetryScheduler(
	advancer RedemptionAdvancer,
	store RedemptionStore,
	config SchedulerConfig,
	opts ...SchedulerOption,
) (*RetryScheduler, error) {
	if advancer == nil {
		return nil, fmt.Errorf("core: redemption advancer is required")
	}
	if store == nil {
		return nil, fmt.Errorf("core: redemption store is required")
	}
	defaults := DefaultConfig().Scheduler
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.TickInterval <= 0 {
		config.TickInterval = defaults.TickInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	scheduler := &RetryScheduler{
		advancer: advancer,
		store:    store,
		config:   config,
		logger:   glog.Nop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(scheduler)
		}
	}
	return scheduler, nil
}

// NewRetryScheduler builds a scheduler over the service's store and clock.
func (s *Service) NewRetryScheduler(opts ...SchedulerOption) (*RetryScheduler, error) {
	if s == nil {
		return nil, fmt.Errorf("core: service is nil")
	}
	base := []SchedulerOption{
		WithSchedulerLogger(s.namedLogger("redemptions.scheduler")),
		WithSchedulerClock(s.now),
	}
	return NewRetryScheduler(s, s.store, s.config.Scheduler, append(base, opts...)...)
}

// Tick advances every due redemption once and waits for the batch.
func (r *RetryScheduler) Tick(ctx context.Context) (TickStats, error) {
	if r == nil {
		return TickStats{}, fmt.Errorf("core: retry scheduler is not configured")
	}
	due, err := r.store.ListDue(ctx, r.now(), r.config.BatchSize)
	if err != nil {
		return TickStats{}, err
	}
	stats := TickStats{Scanned: len(due)}
	if len(due) == 0 {
		return stats, nil
	}

	if r.dispatcher != nil {
		var dispatchErr error
		for _, redemption := range due {
			if err := r.dispatcher.DispatchAdvance(ctx, redemption.ID); err != nil {
				stats.Failed++
				dispatchErr = joinErrors(dispatchErr, err)
				continue
			}
			stats.Dispatched++
		}
		return stats, dispatchErr
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, r.config.Workers)
	)
	for _, redemption := range due {
		select {
		case <-ctx.Done():
			wg.Wait()
			return stats, ctx.Err()
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			result, err := r.advancer.Advance(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				stats.Advanced++
				if result.Changed {
					stats.Changed++
				}
			case IsLockHeld(err):
				stats.Skipped++
			default:
				stats.Failed++
				r.logger.Warn("scheduled advance failed", "redemption_id", id, "error", err.Error())
			}
		}(redemption.ID)
	}
	wg.Wait()
	return stats, nil
}

// Run ticks until ctx is done.
func (r *RetryScheduler) Run(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("core: retry scheduler is not configured")
	}
	ticker := time.NewTicker(r.config.TickInterval)
	defer ticker.Stop()
	for {
		stats, err := r.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Warn("retry scheduler tick failed", "error", err.Error())
		} else if stats.Scanned > 0 {
			r.logger.Debug("retry scheduler tick",
				"scanned", stats.Scanned,
				"advanced", stats.Advanced,
				"skipped", stats.Skipped,
				"failed", stats.Failed,
			)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// IsLockHeld reports whether err means another worker holds the redemption.
func IsLockHeld(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLockHeld) {
		return true
	}
	var richErr *goerrors.Error
	return goerrors.As(err, &richErr) && richErr.TextCode == RedemptionErrorLocked
}
