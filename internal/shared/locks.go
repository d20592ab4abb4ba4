package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// EstimatesLockKey guards the estimate persistor so one batch writes at a time.
const EstimatesLockKey = "recon:estimates:lock"

// NFeSyncLockKey builds the lock key of a synchronization run for one company.
func NFeSyncLockKey(cnpj string) string {
	return fmt.Sprintf("recon:nfe:sync:%s:lock", cnpj)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker hands out Redis backed mutual exclusion with a TTL.
type Locker struct {
	client *redis.Client
}

// NewLocker constructs a Locker. A nil client yields a locker that always
// grants the lock.
func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// Lock is a held lock.
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// TryAcquire sets key when absent. ok is false when another holder owns it.
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error) {
	if l == nil || l.client == nil {
		return &Lock{key: key}, true, nil
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("shared: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{client: l.client, key: key, token: token}, true, nil
}

// Release drops the lock if it is still owned by this holder.
func (lk *Lock) Release(ctx context.Context) error {
	if lk == nil || lk.client == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, lk.client, []string{lk.key}, lk.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("shared: release %s: %w", lk.key, err)
	}
	return nil
}
