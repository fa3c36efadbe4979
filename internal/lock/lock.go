package lock

import (
	"context"
	"time"
)

// DistributedLock serializes claim-time operations across process instances.
// The ledger treats it as best effort: when the provider is unavailable the
// database uniqueness constraint remains the authoritative guard.
type DistributedLock interface {
	// Lock blocks until the lock is acquired or ctx expires.
	Lock(ctx context.Context, key string, ttl time.Duration) error

	// TryLock returns immediately; true means the lock was acquired.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Unlock releases a held lock.
	Unlock(ctx context.Context, key string) error

	// Extend pushes out the expiry of a held lock.
	Extend(ctx context.Context, key string, ttl time.Duration) error

	Close() error
}

// NopLock is the single-instance fallback: every acquisition succeeds.
type NopLock struct{}

func NewNopLock() *NopLock {
	return &NopLock{}
}

func (n *NopLock) Lock(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}

func (n *NopLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (n *NopLock) Unlock(ctx context.Context, key string) error {
	return nil
}

func (n *NopLock) Extend(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}

func (n *NopLock) Close() error {
	return nil
}
