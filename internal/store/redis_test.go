package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	config := DefaultRedisConfig()
	config.Address = mr.Addr()

	s, err := NewRedisStore(config, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, mr
}

func TestNewRedisStore_ConnectionFailure(t *testing.T) {
	config := DefaultRedisConfig()
	config.Address = "127.0.0.1:1"
	config.DialTimeout = 100 * time.Millisecond
	config.MaxRetries = 0

	_, err := NewRedisStore(config, nil)
	assert.Error(t, err)
}

func TestRedisStore_GetSet(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.True(t, IsKeyNotFound(err))

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))

	value, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))

	mr.FastForward(2 * time.Minute)

	_, err := s.Get(ctx, "k")
	assert.True(t, IsKeyNotFound(err))
}

func TestRedisStore_SetIfAbsent(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	stored, err := s.SetIfAbsent(ctx, "marker", []byte("1"), time.Minute)
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = s.SetIfAbsent(ctx, "marker", []byte("2"), time.Minute)
	require.NoError(t, err)
	assert.False(t, stored)
}

func TestRedisStore_IncrementWithExpiry(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	count, err := s.IncrementWithExpiry(ctx, "counter", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = s.IncrementWithExpiry(ctx, "counter", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// The counter resets once the window TTL elapses.
	mr.FastForward(2 * time.Minute)

	count, err = s.IncrementWithExpiry(ctx, "counter", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRedisStore_ScanPrefix(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "token:alice:t1", []byte("a"), time.Minute))
	require.NoError(t, s.Set(ctx, "token:alice:t2", []byte("b"), time.Minute))
	require.NoError(t, s.Set(ctx, "token:bob:t3", []byte("c"), time.Minute))

	entries, err := s.ScanPrefix(ctx, "token:alice:")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	for _, entry := range entries {
		assert.Contains(t, entry.Key, "token:alice:")
	}
}

func TestRedisStore_GuardOpensOnFailures(t *testing.T) {
	mr := miniredis.RunT(t)

	config := DefaultRedisConfig()
	config.Address = mr.Addr()
	config.ReadTimeout = 100 * time.Millisecond
	config.WriteTimeout = 100 * time.Millisecond
	config.MaxRetries = 0
	config.GuardMaxFailures = 2
	config.GuardOpenTimeout = time.Minute

	s, err := NewRedisStore(config, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()

	// Kill the backing server so operations start failing.
	mr.Close()

	for i := 0; i < 3; i++ {
		_, err = s.Get(ctx, "k")
		require.Error(t, err)
	}

	// The guard is now open: operations fail fast with the unavailability
	// sentinel instead of dialing a dead server.
	_, err = s.Get(ctx, "k")
	assert.True(t, IsUnavailable(err))
}

func TestRedisStore_CloseIdempotent(t *testing.T) {
	s, _ := newTestRedisStore(t)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
