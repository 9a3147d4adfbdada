package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryScheduler_SkipsRedemptionsLeasedElsewhere(t *testing.T) {
	locker := NewMemoryRedemptionLocker()
	cfg := testConfig()
	cfg.Scheduler.LockWait = 50 * time.Millisecond
	h := newHarness(t, cfg, WithRedemptionLocker(locker))
	id := h.submit(t, testCode, testIdentity)

	handle, err := locker.Acquire(context.Background(), id, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	stats := h.tick(t)
	if stats.Skipped != 1 || stats.Advanced != 0 {
		t.Fatalf("expected leased redemption to be skipped, got %+v", stats)
	}
	if got := h.get(t, id).State; got != StateCreated {
		t.Fatalf("expected untouched redemption, got %s", got)
	}

	_, err = h.svc.CancelRedemption(context.Background(), id, "")
	if err == nil {
		t.Fatalf("expected operator action to time out on the lease")
	}
	if code := textCode(t, err); code != RedemptionErrorLocked {
		t.Fatalf("expected locked text code, got %q", code)
	}

	if err := handle.Unlock(context.Background()); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	stats = h.tick(t)
	if stats.Changed != 1 {
		t.Fatalf("expected redemption to advance once the lease is free, got %+v", stats)
	}
}

func TestRetryScheduler_DispatchesToQueue(t *testing.T) {
	h := newHarness(t, testConfig())
	first := h.submit(t, testCode, testIdentity)
	dispatcher := &recordingDispatcher{}
	scheduler, err := h.svc.NewRetryScheduler(WithSchedulerDispatcher(dispatcher))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	stats, err := scheduler.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Dispatched != 1 || len(dispatcher.ids) != 1 || dispatcher.ids[0] != first {
		t.Fatalf("expected one dispatched id, got %+v %v", stats, dispatcher.ids)
	}
	if got := h.get(t, first).State; got != StateCreated {
		t.Fatalf("dispatch must not advance in process, got %s", got)
	}
}

func TestRetryScheduler_OnlyPicksDueRedemptions(t *testing.T) {
	h := newHarness(t, testConfig())
	h.submit(t, testCode, testIdentity)
	h.tick(t)

	if stats := h.tick(t); stats.Scanned != 0 {
		t.Fatalf("expected nothing due before the poll interval, got %+v", stats)
	}
	h.clock.Advance(30 * time.Second)
	if stats := h.tick(t); stats.Scanned != 1 {
		t.Fatalf("expected poll to be due, got %+v", stats)
	}
}

func TestRetryScheduler_RunStopsWithContext(t *testing.T) {
	h := newHarness(t, testConfig())
	h.cap.setContact(testIdentity, true)
	id := h.submit(t, testCode, testIdentity)
	scheduler, err := NewRetryScheduler(h.svc, h.store, SchedulerConfig{TickInterval: 5 * time.Millisecond},
		WithSchedulerClock(h.clock.Now))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- scheduler.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for h.get(t, id).State == StateCreated && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := h.get(t, id).State; got != StateContactRequested {
		t.Fatalf("expected run loop to advance the redemption, got %s", got)
	}
}

func TestNewRetryScheduler_RequiresDependencies(t *testing.T) {
	if _, err := NewRetryScheduler(nil, NewMemoryStore(), SchedulerConfig{}); err == nil {
		t.Fatalf("expected error without advancer")
	}
	h := newHarness(t, testConfig())
	if _, err := NewRetryScheduler(h.svc, nil, SchedulerConfig{}); err == nil {
		t.Fatalf("expected error without store")
	}
}

func TestIsLockHeld(t *testing.T) {
	if !IsLockHeld(fmt.Errorf("wrapped: %w", ErrLockHeld)) {
		t.Fatalf("expected sentinel to match")
	}
	if !IsLockHeld(serviceErrorMapper(ErrLockHeld)) {
		t.Fatalf("expected mapped error to match")
	}
	if IsLockHeld(errors.New("other")) || IsLockHeld(nil) {
		t.Fatalf("unexpected match")
	}
}

func TestMemoryRedemptionLocker_StaleHandleCannotReleaseNewLease(t *testing.T) {
	locker := NewMemoryRedemptionLocker()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	locker.nowFn = func() time.Time { return now }

	first, err := locker.Acquire(context.Background(), "r-1", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := locker.Acquire(context.Background(), "r-1", time.Second); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected held lease, got %v", err)
	}

	now = now.Add(2 * time.Second)
	second, err := locker.Acquire(context.Background(), "r-1", time.Minute)
	if err != nil {
		t.Fatalf("expected expired lease to be taken over: %v", err)
	}
	if err := first.Unlock(context.Background()); err != nil {
		t.Fatalf("stale unlock: %v", err)
	}
	if _, err := locker.Acquire(context.Background(), "r-1", time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("stale handle released the new lease: %v", err)
	}
	if err := second.Unlock(context.Background()); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := locker.Acquire(context.Background(), "r-1", time.Minute); err != nil {
		t.Fatalf("expected free lease: %v", err)
	}
}
