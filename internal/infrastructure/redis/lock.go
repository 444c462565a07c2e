package redis

import (
	"context"
	"fmt"
	"time"

	domainErrors "github.com/dukaledger/backoffice/internal/domain/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Only the owner token may release the lock.
var releaseLockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// AccountLockKey is the lock guarding subscription changes for one account.
func AccountLockKey(accountID uuid.UUID) string {
	return "account:" + accountID.String() + ":subscription"
}

// DistributedLock is a single-holder lease on a Redis key.
type DistributedLock struct {
	client   *redis.Client
	key      string
	value    string
	ttl      time.Duration
	acquired bool
}

func NewDistributedLock(client *redis.Client, key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client: client,
		key:    "lock:" + key,
		value:  uuid.New().String(),
		ttl:    ttl,
	}
}

// Acquire tries once with SET NX PX.
func (l *DistributedLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	l.acquired = ok
	return ok, nil
}

func (l *DistributedLock) AcquireWithRetry(ctx context.Context, maxRetries int, retryDelay time.Duration) error {
	for i := 0; i < maxRetries; i++ {
		ok, err := l.Acquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return fmt.Errorf("%w: %s", domainErrors.ErrLockAcquisitionFailed, l.key)
}

func (l *DistributedLock) Release(ctx context.Context) error {
	if !l.acquired {
		return nil
	}
	res, err := releaseLockScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	l.acquired = false
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if res == 0 {
		return domainErrors.ErrLockNotHeld
	}
	return nil
}

// AccountLocker serializes subscription changes per account across worker
// instances.
type AccountLocker struct {
	client     *redis.Client
	ttl        time.Duration
	retries    int
	retryDelay time.Duration
}

func NewAccountLocker(client *redis.Client, ttl time.Duration) *AccountLocker {
	return &AccountLocker{client: client, ttl: ttl, retries: 10, retryDelay: 200 * time.Millisecond}
}

// WithAccountLock runs fn while holding the account's lock.
func (a *AccountLocker) WithAccountLock(ctx context.Context, accountID uuid.UUID, fn func(ctx context.Context) error) error {
	lock := NewDistributedLock(a.client, AccountLockKey(accountID), a.ttl)
	if err := lock.AcquireWithRetry(ctx, a.retries, a.retryDelay); err != nil {
		return err
	}
	defer func() {
		// A lease that expired mid-run is already gone; nothing to undo.
		_ = lock.Release(context.WithoutCancel(ctx))
	}()
	return fn(ctx)
}
