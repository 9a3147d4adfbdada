// Package redisstore keeps redemption leases in Redis so several scheduler
// processes can share one store.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-redemptions/core"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultKeyPrefix = "go-redemptions:lock"
	defaultLeaseTTL  = 2 * time.Minute
)

// releaseScript deletes the lease only while it still carries the caller's token.
// KEYS[1] = lease key
// ARGV[1] = token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Option func(*Locker)

func WithKeyPrefix(prefix string) Option {
	return func(l *Locker) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			l.prefix = prefix
		}
	}
}

// Locker implements core.RedemptionLocker with SET NX PX leases.
type Locker struct {
	client redis.UniversalClient
	prefix string
}

func NewLocker(client redis.UniversalClient, opts ...Option) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("redisstore: redis client is required")
	}
	locker := &Locker{client: client, prefix: DefaultKeyPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(locker)
		}
	}
	return locker, nil
}

// NewLockerFromAddr dials addr with go-redis defaults.
func NewLockerFromAddr(addr string, password string, db int, opts ...Option) (*Locker, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redisstore: redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewLocker(client, opts...)
}

func (l *Locker) Key(redemptionID string) string {
	return l.prefix + ":" + strings.TrimSpace(redemptionID)
}

func (l *Locker) Acquire(ctx context.Context, redemptionID string, ttl time.Duration) (core.LockHandle, error) {
	if l == nil || l.client == nil {
		return nil, fmt.Errorf("redisstore: locker is not configured")
	}
	redemptionID = strings.TrimSpace(redemptionID)
	if redemptionID == "" {
		return nil, fmt.Errorf("redisstore: redemption id is required for lock acquisition")
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}

	key := l.Key(redemptionID)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: acquire %q: %w", redemptionID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrLockHeld, redemptionID)
	}
	return &lockHandle{client: l.client, key: key, token: token}, nil
}

// Ping checks connectivity.
func (l *Locker) Ping(ctx context.Context) error {
	if l == nil || l.client == nil {
		return fmt.Errorf("redisstore: locker is not configured")
	}
	return l.client.Ping(ctx).Err()
}

func (l *Locker) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}

type lockHandle struct {
	client   redis.UniversalClient
	key      string
	token    string
	released bool
}

// Unlock releases the lease if it was not taken over after expiry.
func (h *lockHandle) Unlock(ctx context.Context) error {
	if h == nil || h.released {
		return nil
	}
	h.released = true
	err := releaseScript.Run(ctx, h.client, []string{h.key}, h.token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redisstore: release %q: %w", h.key, err)
	}
	return nil
}

var _ core.RedemptionLocker = (*Locker)(nil)
