// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_MutualExclusion(t *testing.T) {
	t.Parallel()

	l := NewLocal(time.Second)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		inside  int
		counter int
	)
	for range 50 {
		wg.Go(func() {
			err := With(ctx, l, "org/instance", func(context.Context) error {
				inside++
				assert.Equal(t, 1, inside)
				counter++
				inside--
				return nil
			})
			assert.NoError(t, err)
		})
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, l.Len())
}

func TestLocal_Timeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		l := NewLocal(100 * time.Millisecond)
		ctx := context.Background()

		h, err := l.Acquire(ctx, "k")
		require.NoError(t, err)

		start := time.Now()
		_, err = l.Acquire(ctx, "k")
		assert.ErrorIs(t, err, ErrLockTimeout)
		assert.Equal(t, 100*time.Millisecond, time.Since(start))

		// other keys are independent
		h2, err := l.Acquire(ctx, "other")
		require.NoError(t, err)
		require.NoError(t, l.Release(ctx, h2))

		require.NoError(t, l.Release(ctx, h))
		assert.ErrorIs(t, l.Release(ctx, h), ErrNotHeld)
		assert.Equal(t, 0, l.Len())
	})
}

func TestLocal_ContextCancel(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		l := NewLocal(0)
		h, err := l.Acquire(context.Background(), "k")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err = l.Acquire(ctx, "k")
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		require.NoError(t, l.Release(context.Background(), h))
		assert.Equal(t, 0, l.Len())
	})
}

func TestLocal_ArrivalOrder(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		l := NewLocal(time.Minute)
		ctx := context.Background()

		h, err := l.Acquire(ctx, "k")
		require.NoError(t, err)

		var (
			mu    sync.Mutex
			order []int
			wg    sync.WaitGroup
		)
		for i := range 5 {
			wg.Go(func() {
				err := With(ctx, l, "k", func(context.Context) error {
					mu.Lock()
					order = append(order, i)
					mu.Unlock()
					return nil
				})
				assert.NoError(t, err)
			})
			// let waiter i block before the next one arrives
			synctest.Wait()
		}

		require.NoError(t, l.Release(ctx, h))
		wg.Wait()
		assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	})
}

func TestWith_ReleasesOnError(t *testing.T) {
	t.Parallel()

	l := NewLocal(time.Second)
	boom := errors.New("boom")
	err := With(context.Background(), l, "k", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, l.Len())

	assert.Panics(t, func() {
		_ = With(context.Background(), l, "k", func(context.Context) error { panic("fn") })
	})
	assert.Equal(t, 0, l.Len())
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	var c Config
	require.NoError(t, c.Validate())
	assert.Equal(t, DefaultConfig().Timeout, c.Timeout)
	assert.Equal(t, "local", c.Backend)

	c = Config{Backend: "zookeeper"}
	assert.Error(t, c.Validate())

	m, closer, err := New(Config{})
	require.NoError(t, err)
	assert.IsType(t, &Local{}, m)
	assert.NoError(t, closer.Close())
}
