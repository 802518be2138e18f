package swmrlock

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr, store := newTestEnv(t)

	ok, err := acquire(ctx, store, "lck", "pid1_aaa", time.Second, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pid1_aaa", mustGet(t, mr, "lck"))
	assert.Greater(t, mr.TTL("lck"), time.Duration(0), "acquired lock must carry an expiry")

	// Contended acquire times out and reports false, not an error.
	ok, err = acquire(ctx, store, "lck", "pid2_bbb", 30*time.Millisecond, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Foreign release is refused; owner release succeeds.
	ok, err = release(ctx, store, "lck", "pid2_bbb")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = release(ctx, store, "lck", "pid1_aaa")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, mr.Exists("lck"))
}

func TestAcquireHealsMissingTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr, store := newTestEnv(t)

	// A key without expiry is a crash artifact; a contender must assign
	// one so the lock cannot wedge forever.
	mr.Set("lck", "stale-owner")
	require.Equal(t, time.Duration(0), mr.TTL("lck"))

	ok, err := acquire(ctx, store, "lck", "pid9_zzz", 20*time.Millisecond, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, mr.TTL("lck"), time.Duration(0))
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	_, store := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := acquire(ctx, store, "lck", "pid1_a", time.Minute, time.Minute)
	require.NoError(t, err)

	cancel()
	_, err = acquire(ctx, store, "lck", "pid2_b", time.Minute, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr, store := newTestEnv(t)
	c := newTestCoordinator(t, store)

	var ranInside bool
	err := c.WithLock(ctx, "mylock", func(context.Context) error {
		ranInside = true
		val := mustGet(t, mr, "mylock")
		assert.True(t, strings.HasPrefix(val, c.prefix), "owner token must be pid-prefixed")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ranInside)
	assert.False(t, mr.Exists("mylock"), "lock released on scope exit")
}

func TestWithLockAcquireTimeout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr, store := newTestEnv(t)
	c := newTestCoordinator(t, store, func(cfg *Config) {
		cfg.AcquireTimeout = 30 * time.Millisecond
	})

	mr.Set("busy", "pid424242_other")

	err := c.WithLock(ctx, "busy", func(context.Context) error {
		t.Fatal("critical section must not run without the lock")
		return nil
	})
	assert.ErrorIs(t, err, ErrAcquireTimeout)
}

func TestWithLockLost(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr, store := newTestEnv(t)
	c := newTestCoordinator(t, store, func(cfg *Config) {
		cfg.HoldTimeout = 50 * time.Millisecond
	})

	// The critical section outlives the hold timeout: the lock expires
	// under us, and the scoped release must surface that as lost.
	err := c.WithLock(ctx, "short", func(context.Context) error {
		mr.FastForward(100 * time.Millisecond)
		return nil
	})
	assert.ErrorIs(t, err, ErrLockLost)
}

func TestWithLockPropagatesSectionError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr, store := newTestEnv(t)
	c := newTestCoordinator(t, store)

	boom := errors.New("boom")
	err := c.WithLock(ctx, "errlock", func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("errlock"), "lock released even when the section fails")
}
