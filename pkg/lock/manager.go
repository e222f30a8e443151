// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package lock

import "io"

// New returns the lock manager selected by cfg and a closer for it.
func New(cfg Config) (Manager, io.Closer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if cfg.Backend == "redis" {
		r, err := NewRedis(cfg)
		if err != nil {
			return nil, nil, err
		}
		return r, r, nil
	}
	return NewLocal(cfg.Timeout), closerFunc(func() error { return nil }), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
