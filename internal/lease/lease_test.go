package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Locker) {
	mr := miniredis.RunT(t)
	client := NewRedisClient(mr.Addr(), "", 0)
	t.Cleanup(func() { client.Close() })
	return mr, NewLocker(client, 10*time.Second)
}

func TestAcquire_Exclusive(t *testing.T) {
	_, locker := setupTestRedis(t)
	ctx := context.Background()

	first, err := locker.Acquire(ctx, "s-1")
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "s-1")
	assert.ErrorIs(t, err, ErrHeld)

	_, err = locker.Acquire(ctx, "s-2")
	assert.NoError(t, err, "leases are per session")

	require.NoError(t, first.Release(ctx))
	_, err = locker.Acquire(ctx, "s-1")
	assert.NoError(t, err)
}

func TestRefresh_ExtendsTTL(t *testing.T) {
	mr, locker := setupTestRedis(t)
	ctx := context.Background()

	l, err := locker.Acquire(ctx, "s-1")
	require.NoError(t, err)

	mr.FastForward(8 * time.Second)
	require.NoError(t, l.Refresh(ctx))
	assert.Equal(t, 10*time.Second, mr.TTL(keyPrefix+"s-1"))
}

func TestRefresh_LostAfterExpiry(t *testing.T) {
	mr, locker := setupTestRedis(t)
	ctx := context.Background()

	l, err := locker.Acquire(ctx, "s-1")
	require.NoError(t, err)

	mr.FastForward(11 * time.Second)
	assert.ErrorIs(t, l.Refresh(ctx), ErrLost)

	other, err := locker.Acquire(ctx, "s-1")
	require.NoError(t, err)

	// a stale holder must not release the new owner's lease
	require.NoError(t, l.Release(ctx))
	assert.True(t, mr.Exists(keyPrefix+"s-1"))
	require.NoError(t, other.Refresh(ctx))
}
