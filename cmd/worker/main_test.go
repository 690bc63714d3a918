package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artcenter/internal/store"
)

func TestRedisLockSerializesWorkers(t *testing.T) {
	mr := miniredis.RunT(t)
	r := store.NewRedis(mr.Addr())
	defer r.Close()
	ctx := context.Background()

	first := redisLock(r, time.Minute, "worker-a", quiet())
	second := redisLock(r, time.Minute, "worker-b", quiet())

	release, err := first(ctx)
	require.NoError(t, err)
	assert.True(t, mr.Exists(sweepLockKey))

	_, err = second(ctx)
	assert.ErrorIs(t, err, store.ErrLockHeld)

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists(sweepLockKey))

	release, err = second(ctx)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

func TestRedisLockRenewsWhileHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	r := store.NewRedis(mr.Addr())
	defer r.Close()
	ctx := context.Background()
	ttl := 300 * time.Millisecond

	release, err := redisLock(r, ttl, "worker-a", quiet())(ctx)
	require.NoError(t, err)

	// without renewal the remaining ttl would stay at 100ms
	mr.FastForward(200 * time.Millisecond)
	assert.Eventually(t, func() bool { return mr.TTL(sweepLockKey) == ttl }, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists(sweepLockKey))
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestWorkerIDIsUnique(t *testing.T) {
	assert.NotEqual(t, workerID(), workerID())
}
