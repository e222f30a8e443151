// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

// Package resiliency wraps a db.Store with the protections every outbound
// storage call gets: a concurrency throttle, read batching, retries with
// exponential backoff for idempotent operations, a circuit breaker and a
// call timeout.
package resiliency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eapache/go-resiliency/breaker"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/debug"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/logger"
)

// ErrBreakerOpen is returned while the circuit breaker rejects calls.
var ErrBreakerOpen = breaker.ErrBreakerOpen

var (
	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "abacus",
			Subsystem: "store",
			Name:      "retries_total",
			Help:      "Store operations retried after a transient error",
		},
		[]string{"store", "operation"},
	)
	rejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "abacus",
			Subsystem: "store",
			Name:      "breaker_rejections_total",
			Help:      "Store operations rejected by an open circuit breaker",
		},
		[]string{"store"},
	)
)

func init() {
	debug.Registry().MustRegister(retriesTotal, rejectedTotal)
}

// Config holds the protection settings.
type Config struct {
	// Timeout bounds a single store call.
	// Default: 60s.
	Timeout time.Duration `mapstructure:"timeout"`

	// BreakerErrors opens the breaker after this many failed calls.
	// Default: 5 (50% of a 10 call window).
	BreakerErrors int `mapstructure:"breaker_errors"`

	// BreakerSuccesses closes a half open breaker after this many calls
	// succeed.
	// Default: 1.
	BreakerSuccesses int `mapstructure:"breaker_successes"`

	// BreakerReset is how long the breaker stays open.
	// Default: 5s.
	BreakerReset time.Duration `mapstructure:"breaker_reset"`

	// Retries is the number of retries of idempotent operations. A
	// negative value disables retries.
	// Default: 5.
	Retries int `mapstructure:"retries"`

	// RetryMin and RetryMax bound the exponential backoff.
	// Default: 50ms and 500ms.
	RetryMin time.Duration `mapstructure:"retry_min"`
	RetryMax time.Duration `mapstructure:"retry_max"`

	// MaxConcurrency limits in-flight calls.
	// Default: 100.
	MaxConcurrency int64 `mapstructure:"max_concurrency"`

	// BatchWindow coalesces reads arriving within the window. Zero
	// disables batching.
	// Default: 0.
	BatchWindow time.Duration `mapstructure:"batch_window"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Timeout:          60 * time.Second,
		BreakerErrors:    5,
		BreakerSuccesses: 1,
		BreakerReset:     5 * time.Second,
		Retries:          5,
		RetryMin:         50 * time.Millisecond,
		RetryMax:         500 * time.Millisecond,
		MaxConcurrency:   100,
	}
}

// Validate applies defaults to unset values.
func (c *Config) Validate() {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.BreakerErrors <= 0 {
		c.BreakerErrors = d.BreakerErrors
	}
	if c.BreakerSuccesses <= 0 {
		c.BreakerSuccesses = d.BreakerSuccesses
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = d.BreakerReset
	}
	if c.Retries == 0 {
		c.Retries = d.Retries
	}
	if c.RetryMin <= 0 {
		c.RetryMin = d.RetryMin
	}
	if c.RetryMax < c.RetryMin {
		c.RetryMax = max(d.RetryMax, c.RetryMin)
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
}

// Store is a protected db.Store.
type Store struct {
	next    db.Store
	name    string
	cfg     Config
	breaker *breaker.Breaker
	sem     *semaphore.Weighted
	batch   *getBatcher
}

var _ db.Store = (*Store)(nil)

// Wrap protects next. name labels metrics and logs.
func Wrap(name string, next db.Store, cfg Config) *Store {
	cfg.Validate()
	s := &Store{
		next:    next,
		name:    name,
		cfg:     cfg,
		breaker: breaker.New(cfg.BreakerErrors, cfg.BreakerSuccesses, cfg.BreakerReset),
		sem:     semaphore.NewWeighted(cfg.MaxConcurrency),
	}
	if cfg.BatchWindow > 0 {
		s.batch = newGetBatcher(cfg.BatchWindow, s.get)
	}
	return s
}

// expected reports errors that are answers rather than failures.
func expected(err error) bool {
	return errors.Is(err, db.ErrNotFound) || errors.Is(err, db.ErrConflict) || errors.Is(err, context.Canceled)
}

// call runs op under the throttle, breaker and timeout.
func (s *Store) call(ctx context.Context, op func(ctx context.Context) error) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	var answer error
	err := s.breaker.Run(func() error {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		err := op(cctx)
		if expected(err) {
			answer = err
			return nil
		}
		return err
	})
	if errors.Is(err, breaker.ErrBreakerOpen) {
		rejectedTotal.WithLabelValues(s.name).Inc()
	}
	if err != nil {
		return err
	}
	return answer
}

// retry runs an idempotent operation with exponential backoff.
func (s *Store) retry(ctx context.Context, name string, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryMin
	b.MaxInterval = s.cfg.RetryMax
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			retriesTotal.WithLabelValues(s.name, name).Inc()
		}
		err := s.call(ctx, op)
		if err == nil || expected(err) || errors.Is(err, breaker.ErrBreakerOpen) || ctx.Err() != nil {
			if err != nil {
				return backoff.Permanent(err)
			}
			return nil
		}
		logger.Debug().Err(err).Str("store", s.name).Str("op", name).Int("attempt", attempt).Msg("store call failed")
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(s.cfg.Retries, 0))), ctx))
}

func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.retry(ctx, "get", func(ctx context.Context) error {
		b, err := s.next.Get(ctx, key)
		out = b
		return err
	})
	return out, err
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if s.batch != nil {
		return s.batch.get(ctx, key)
	}
	return s.get(ctx, key)
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return s.retry(ctx, "put", func(ctx context.Context) error {
		return s.next.Put(ctx, key, value)
	})
}

// Create is not retried: a lost acknowledgement would turn into a
// conflict on the next attempt.
func (s *Store) Create(ctx context.Context, key string, value []byte) error {
	return s.call(ctx, func(ctx context.Context) error {
		return s.next.Create(ctx, key, value)
	})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.retry(ctx, "delete", func(ctx context.Context) error {
		return s.next.Delete(ctx, key)
	})
}

func (s *Store) Range(ctx context.Context, q db.RangeQuery) ([]db.KV, error) {
	var out []db.KV
	err := s.retry(ctx, "range", func(ctx context.Context) error {
		kvs, err := s.next.Range(ctx, q)
		out = kvs
		return err
	})
	return out, err
}

func (s *Store) Close() error {
	if s.batch != nil {
		s.batch.shutdown()
	}
	if err := s.next.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s.name, err)
	}
	return nil
}
