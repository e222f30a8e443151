// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package lock

import (
	"context"
	"time"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/utils"
)

// entry is a one slot channel used as a mutex. Blocked senders are served
// in arrival order. refs counts holders and waiters so idle entries can be
// dropped.
type entry struct {
	ch   chan struct{}
	refs int
}

// Local is an in-process lock manager.
type Local struct {
	locks   *utils.ShardedMap[string, *entry]
	timeout time.Duration
}

var _ Manager = (*Local)(nil)

// NewLocal returns a local lock manager. A zero timeout waits until the
// context is done.
func NewLocal(timeout time.Duration) *Local {
	return &Local{
		locks:   utils.NewShardedMap[string, *entry](),
		timeout: timeout,
	}
}

func (l *Local) ref(key string, delta int) *entry {
	e, _ := l.locks.Compute(key, func(old *entry, exists bool) (*entry, bool) {
		if !exists {
			old = &entry{ch: make(chan struct{}, 1)}
		}
		old.refs += delta
		return old, old.refs > 0
	})
	return e
}

// Acquire blocks until the lock on key is held, the timeout passes or ctx
// is done.
func (l *Local) Acquire(ctx context.Context, key string) (*Handle, error) {
	start := time.Now()
	e := l.ref(key, 1)

	var timeout <-chan time.Time
	if l.timeout > 0 {
		t := time.NewTimer(l.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case e.ch <- struct{}{}:
		lockWait.WithLabelValues("local").Observe(time.Since(start).Seconds())
		return &Handle{Key: key, entry: e}, nil
	case <-timeout:
		l.ref(key, -1)
		lockTimeouts.WithLabelValues("local").Inc()
		return nil, ErrLockTimeout
	case <-ctx.Done():
		l.ref(key, -1)
		return nil, ctx.Err()
	}
}

// Release unlocks h.
func (l *Local) Release(_ context.Context, h *Handle) error {
	if h == nil || h.entry == nil {
		return ErrNotHeld
	}
	select {
	case <-h.entry.ch:
	default:
		return ErrNotHeld
	}
	h.entry = nil
	l.ref(h.Key, -1)
	return nil
}

// Len returns the number of keys currently locked or waited on.
func (l *Local) Len() int {
	return l.locks.Len()
}
