package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// AccountLockKey builds redis keys for per-account ledger critical sections.
// Apply/Reverse both read-then-write the running balance, so writes against
// the same account must be serialized; different accounts stay independent.
func AccountLockKey(tenantID, unitID string) string {
	return fmt.Sprintf("billing:account:%s:%s:lock", tenantID, unitID)
}

// ErrLockNotAcquired indicates the account is busy with another operation.
var ErrLockNotAcquired = errors.New("account lock not acquired")

// AccountLocker serializes balance-changing operations per account using a
// redis lease. The lease value is checked on release so an expired holder
// cannot free a lock re-acquired by someone else.
type AccountLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewAccountLocker constructs a locker. A non-positive TTL defaults to 30s.
func NewAccountLocker(client *redis.Client, ttl time.Duration) *AccountLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &AccountLocker{client: client, ttl: ttl}
}

// Acquire takes the per-account lock, retrying briefly before giving up.
// The returned release function is safe to call multiple times.
func (l *AccountLocker) Acquire(ctx context.Context, tenantID, unitID string) (func(), error) {
	if l == nil || l.client == nil {
		return func() {}, nil
	}
	key := AccountLockKey(tenantID, unitID)
	token := uuid.NewString()

	const attempts = 10
	for i := 0; i < attempts; i++ {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("shared: acquire account lock: %w", err)
		}
		if ok {
			released := false
			return func() {
				if released {
					return
				}
				released = true
				l.release(key, token)
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil, ErrLockNotAcquired
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (l *AccountLocker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
}
