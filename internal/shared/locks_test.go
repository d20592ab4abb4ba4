package shared

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLocker(client), mr
}

func TestLockerExcludesSecondHolder(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	first, ok, err := locker.TryAcquire(ctx, EstimatesLockKey, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, mr.Exists(EstimatesLockKey))

	_, ok, err = locker.TryAcquire(ctx, EstimatesLockKey, time.Hour)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, first.Release(ctx))
	require.False(t, mr.Exists(EstimatesLockKey))

	_, ok, err = locker.TryAcquire(ctx, EstimatesLockKey, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLockExpiresAndStaleReleaseKeepsNewHolder(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	stale, ok, err := locker.TryAcquire(ctx, EstimatesLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)
	_, ok, err = locker.TryAcquire(ctx, EstimatesLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, stale.Release(ctx))
	require.True(t, mr.Exists(EstimatesLockKey))
}

func TestNilLockerAlwaysGrants(t *testing.T) {
	var locker *Locker
	lock, ok, err := locker.TryAcquire(context.Background(), "any", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, lock.Release(context.Background()))
	require.Equal(t, "recon:nfe:sync:123:lock", NFeSyncLockKey("123"))
}
