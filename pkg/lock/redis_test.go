// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.TTL = 10 * time.Second
	return s, NewRedisWithClient(client, cfg)
}

func TestRedis_AcquireRelease(t *testing.T) {
	s, r := setupTestRedis(t)
	ctx := context.Background()

	h, err := r.Acquire(ctx, "org/2016-03")
	require.NoError(t, err)
	assert.True(t, s.Exists("abacus:lock:org/2016-03"))

	_, err = r.Acquire(ctx, "org/2016-03")
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, r.Release(ctx, h))
	assert.False(t, s.Exists("abacus:lock:org/2016-03"))

	h, err = r.Acquire(ctx, "org/2016-03")
	require.NoError(t, err)
	require.NoError(t, r.Release(ctx, h))
}

func TestRedis_ReleaseAfterExpiry(t *testing.T) {
	s, r := setupTestRedis(t)
	ctx := context.Background()

	h, err := r.Acquire(ctx, "k")
	require.NoError(t, err)

	// the holder stalls past the TTL and another worker takes over
	s.FastForward(11 * time.Second)
	h2, err := r.Acquire(ctx, "k")
	require.NoError(t, err)

	assert.ErrorIs(t, r.Release(ctx, h), ErrNotHeld)
	assert.True(t, s.Exists("abacus:lock:k"), "stale holder must not delete the new lock")
	require.NoError(t, r.Release(ctx, h2))
}

func TestRedis_With(t *testing.T) {
	_, r := setupTestRedis(t)

	ran := false
	err := With(context.Background(), r, "k", func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestRedis_ConnectionError(t *testing.T) {
	s, r := setupTestRedis(t)
	s.Close()

	_, err := r.Acquire(context.Background(), "k")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrLockTimeout)
}
