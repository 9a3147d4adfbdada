package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultLeaseTTL     = 2 * time.Minute
	lockRetryInterval   = 25 * time.Millisecond
	defaultLockWaitTime = 5 * time.Second

	// work under a lease stops this fraction of the TTL before it expires
	leaseMarginDivisor = 10
	writeTimeout       = 30 * time.Second
)

type memoryLease struct {
	token string
	until time.Time
}

// MemoryRedemptionLocker is a process-local lease table keyed by redemption id.
type MemoryRedemptionLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLease
	nowFn func() time.Time
}

func NewMemoryRedemptionLocker() *MemoryRedemptionLocker {
	return &MemoryRedemptionLocker{
		locks: make(map[string]memoryLease),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryRedemptionLocker) Acquire(_ context.Context, redemptionID string, ttl time.Duration) (LockHandle, error) {
	if l == nil {
		return nil, fmt.Errorf("core: redemption locker is not configured")
	}
	redemptionID = strings.TrimSpace(redemptionID)
	if redemptionID == "" {
		return nil, fmt.Errorf("core: redemption id is required for lock acquisition")
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}

	now := l.nowFn()
	l.mu.Lock()
	defer l.mu.Unlock()

	if lease, ok := l.locks[redemptionID]; ok && now.Before(lease.until) {
		return nil, fmt.Errorf("%w: %q", ErrLockHeld, redemptionID)
	}
	token := uuid.NewString()
	l.locks[redemptionID] = memoryLease{token: token, until: now.Add(ttl)}
	return &memoryLockHandle{locker: l, redemptionID: redemptionID, token: token}, nil
}

type memoryLockHandle struct {
	locker       *MemoryRedemptionLocker
	redemptionID string
	token        string
	once         sync.Once
}

func (h *memoryLockHandle) Unlock(_ context.Context) error {
	if h == nil || h.locker == nil {
		return nil
	}
	h.once.Do(func() {
		h.locker.mu.Lock()
		defer h.locker.mu.Unlock()
		// an expired lease may already belong to someone else
		if lease, ok := h.locker.locks[h.redemptionID]; ok && lease.token == h.token {
			delete(h.locker.locks, h.redemptionID)
		}
	})
	return nil
}

// acquireWithWait polls the locker until the lease is free, wait elapses or
// ctx is done. acquiredAt is taken just before the successful attempt.
func acquireWithWait(
	ctx context.Context,
	locker RedemptionLocker,
	redemptionID string,
	ttl time.Duration,
	wait time.Duration,
) (handle LockHandle, acquiredAt time.Time, err error) {
	deadline := time.Now().Add(wait)
	for {
		acquiredAt = time.Now()
		handle, err = locker.Acquire(ctx, redemptionID, ttl)
		if err == nil {
			return handle, acquiredAt, nil
		}
		if !errors.Is(err, ErrLockHeld) || wait <= 0 || time.Now().After(deadline) {
			return nil, time.Time{}, err
		}
		if waitErr := waitWithContext(ctx, lockRetryInterval); waitErr != nil {
			return nil, time.Time{}, err
		}
	}
}

var _ RedemptionLocker = (*MemoryRedemptionLocker)(nil)
