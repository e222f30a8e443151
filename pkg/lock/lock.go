// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

// Package lock serializes work on logical keys such as an instance
// accumulation or an organization report.
//
// Local locks serve a single process. Redis locks coordinate workers across
// processes. Both time out with ErrLockTimeout so a stuck holder fails the
// unit of work instead of blocking the pool.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/debug"
)

var (
	// ErrLockTimeout is returned when a lock is not acquired in time.
	ErrLockTimeout = errors.New("lock timeout")
	// ErrNotHeld is returned when releasing a lock that expired or was
	// taken over.
	ErrNotHeld = errors.New("lock not held")
)

var (
	lockWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "abacus",
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a lock",
			Buckets:   []float64{.0001, .001, .01, .05, .1, .5, 1, 5, 30},
		},
		[]string{"backend"},
	)
	lockTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "abacus",
			Subsystem: "lock",
			Name:      "timeouts_total",
			Help:      "Lock acquisitions that timed out",
		},
		[]string{"backend"},
	)
)

func init() {
	debug.Registry().MustRegister(lockWait, lockTimeouts)
}

// Handle is a held lock.
type Handle struct {
	Key string

	token string
	entry *entry
}

// Manager acquires and releases locks on keys.
type Manager interface {
	Acquire(ctx context.Context, key string) (*Handle, error)
	Release(ctx context.Context, h *Handle) error
}

// Config holds lock settings.
type Config struct {
	// Backend is local or redis.
	// Default: local.
	Backend string `mapstructure:"backend"`

	// Timeout bounds how long Acquire waits.
	// Default: 30s.
	Timeout time.Duration `mapstructure:"timeout"`

	// TTL is how long a redis lock survives a crashed holder.
	// Default: 60s.
	TTL time.Duration `mapstructure:"ttl"`

	// PollInterval is the base delay between redis acquisition attempts.
	// Default: 10ms.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// Redis connection settings
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Backend:      "local",
		Timeout:      30 * time.Second,
		TTL:          60 * time.Second,
		PollInterval: 10 * time.Millisecond,
		Addr:         "localhost:6379",
		KeyPrefix:    "abacus:lock:",
	}
}

// Validate checks the config for invalid values and applies defaults.
func (c *Config) Validate() error {
	d := DefaultConfig()
	switch c.Backend {
	case "":
		c.Backend = d.Backend
	case "local", "redis":
	default:
		return fmt.Errorf("unknown lock backend %q", c.Backend)
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	return nil
}

// With runs fn while holding the lock on key. The lock is released on every
// exit path, including panics in fn.
func With(ctx context.Context, m Manager, key string, fn func(ctx context.Context) error) (err error) {
	h, err := m.Acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer func() {
		// Release must not be cancelled with the caller's context
		rerr := m.Release(context.WithoutCancel(ctx), h)
		if err == nil && rerr != nil {
			err = fmt.Errorf("unlock %s: %w", key, rerr)
		}
	}()
	return fn(ctx)
}
