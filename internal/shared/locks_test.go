package shared

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testLocker(t *testing.T) (*AccountLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewAccountLocker(client, time.Minute), mr
}

func TestAccountLockerSerializesSameAccount(t *testing.T) {
	locker, _ := testLocker(t)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "t-1", "u-1")
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(shortCtx, "t-1", "u-1")
	require.Error(t, err)

	release()

	release2, err := locker.Acquire(ctx, "t-1", "u-1")
	require.NoError(t, err)
	release2()
}

func TestAccountLockerAllowsDifferentAccounts(t *testing.T) {
	locker, _ := testLocker(t)
	ctx := context.Background()

	releaseA, err := locker.Acquire(ctx, "t-1", "u-a")
	require.NoError(t, err)
	defer releaseA()

	releaseB, err := locker.Acquire(ctx, "t-1", "u-b")
	require.NoError(t, err)
	defer releaseB()
}

func TestAccountLockerReleaseIsIdempotent(t *testing.T) {
	locker, mr := testLocker(t)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "t-1", "u-1")
	require.NoError(t, err)
	release()
	release()

	require.False(t, mr.Exists(AccountLockKey("t-1", "u-1")))
}
