// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache provides the bounded, TTL-expiring caches owned by each
// service instance: compiled plans, pricing countries and report memos.
package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/utils"
	"golang.org/x/sync/singleflight"
)

// Default number of shards for lock striping
const defaultShardCount = 64

// entry wraps a value with its creation time for TTL expiry and access
// time for LRU eviction.
type entry[V any] struct {
	value      V
	created    int64 // Unix nano timestamp
	lastAccess atomic.Int64
}

// Cache is a concurrent cache with lock striping.
//
// Entries expire a fixed time after they were stored; reading an entry does
// not extend its life, so cached results are recomputed at least once per
// expiry period. When a max size is set, the least recently read entry is
// evicted first.
//
//	c := cache.New[string, *plan.Plan](ctx,
//	    cache.WithMaxSize[string, *plan.Plan](1000),
//	    cache.WithExpiry[string, *plan.Plan](time.Minute),
//	)
type Cache[K comparable, V any] struct {
	ctx context.Context

	store *utils.ShardedMap[K, *entry[V]]

	// Optional load function for cache misses
	loadFunc func(ctx context.Context, key K) (V, error)
	loads    singleflight.Group

	// Max size (0 = unlimited)
	maxSize int

	// TTL expiry (0 = no expiry)
	expiry time.Duration

	cleanupTimer *time.Timer
	cleanupStop  chan struct{}

	hits   atomic.Int64
	misses atomic.Int64
}

// Option configures a Cache
type Option[K comparable, V any] func(*Cache[K, V])

// WithMaxSize sets the maximum total number of entries in the cache.
func WithMaxSize[K comparable, V any](maxSize int) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.maxSize = maxSize
	}
}

// WithExpiry sets the TTL for cache entries. A background timer removes
// expired entries periodically.
func WithExpiry[K comparable, V any](expiry time.Duration) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.expiry = expiry
	}
}

// WithNumShards sets the number of shards for lock striping.
func WithNumShards[K comparable, V any](numShards int) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.store = utils.NewShardedMap[K, *entry[V]](
			utils.WithShardCount[K, *entry[V]](numShards),
		)
	}
}

// WithLoadFunc sets a function to call on cache misses. Concurrent misses
// for the same key share one call.
func WithLoadFunc[K comparable, V any](loadFunc func(ctx context.Context, key K) (V, error)) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.loadFunc = loadFunc
	}
}

// New creates a new Cache with the given options.
func New[K comparable, V any](ctx context.Context, opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		ctx:         ctx,
		cleanupStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = utils.NewShardedMap[K, *entry[V]](
			utils.WithShardCount[K, *entry[V]](defaultShardCount),
		)
	}

	if c.expiry > 0 {
		c.startCleanup()
	}

	return c
}

func (c *Cache[K, V]) startCleanup() {
	c.cleanupTimer = time.AfterFunc(c.expiry, func() {
		c.cleanup()
		select {
		case <-c.cleanupStop:
			return
		case <-c.ctx.Done():
			return
		default:
			c.cleanupTimer.Reset(c.expiry)
		}
	})
}

func (c *Cache[K, V]) cleanup() {
	now := time.Now().UnixNano()
	c.store.DeleteIf(func(_ K, e *entry[V]) bool {
		return c.expired(e, now)
	})
}

func (c *Cache[K, V]) expired(e *entry[V], now int64) bool {
	return c.expiry > 0 && now-e.created >= c.expiry.Nanoseconds()
}

// Stop stops the cleanup timer. Call this when the cache is no longer needed.
func (c *Cache[K, V]) Stop() {
	if c.cleanupTimer != nil {
		c.cleanupTimer.Stop()
		close(c.cleanupStop)
		c.cleanupTimer = nil
	}
}

// Get retrieves a value from the cache.
// Returns the value and true if found and not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	now := time.Now().UnixNano()
	e, exists := c.store.Load(key)
	if !exists || c.expired(e, now) {
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	e.lastAccess.Store(now)
	c.hits.Add(1)
	return e.value, true
}

// GetOrLoad retrieves a value from the cache, loading it if not present.
// Without a load function a miss returns the zero value.
func (c *Cache[K, V]) GetOrLoad(ctx context.Context, key K) (V, error) {
	if val, ok := c.Get(key); ok {
		return val, nil
	}
	if c.loadFunc == nil {
		var zero V
		return zero, nil
	}

	v, err, _ := c.loads.Do(loadKey(key), func() (any, error) {
		val, err := c.loadFunc(ctx, key)
		if err != nil {
			return nil, err
		}
		c.Set(key, val)
		return val, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	val, _ := v.(V)
	return val, nil
}

// Set adds or replaces a value in the cache.
func (c *Cache[K, V]) Set(key K, value V) {
	now := time.Now().UnixNano()
	e := &entry[V]{value: value, created: now}
	e.lastAccess.Store(now)

	if c.maxSize > 0 {
		if _, exists := c.store.Load(key); !exists && c.store.Len() >= c.maxSize {
			c.evictOldest()
		}
	}

	c.store.Store(key, e)
}

// evictOldest removes the least recently read entry.
func (c *Cache[K, V]) evictOldest() {
	var oldestKey K
	var oldestTime int64
	first := true

	c.store.Range(func(k K, e *entry[V]) bool {
		accessTime := e.lastAccess.Load()
		if first || accessTime < oldestTime {
			oldestKey = k
			oldestTime = accessTime
			first = false
		}
		return true
	})

	if !first {
		c.store.Delete(oldestKey)
	}
}

// Delete removes a key from the cache.
func (c *Cache[K, V]) Delete(key K) {
	c.store.Delete(key)
}

// DeleteIf removes every entry whose key matches and returns the count.
func (c *Cache[K, V]) DeleteIf(match func(K) bool) int {
	return c.store.DeleteIf(func(k K, _ *entry[V]) bool { return match(k) })
}

// Size returns the current number of entries, including expired ones not
// yet cleaned up.
func (c *Cache[K, V]) Size() int {
	return c.store.Len()
}

// Clear removes all entries from the cache.
func (c *Cache[K, V]) Clear() {
	c.store.Clear()
}

// Stats returns the hit and miss counts since creation.
func (c *Cache[K, V]) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func loadKey[K comparable](key K) string {
	if s, ok := any(key).(string); ok {
		return s
	}
	return fmt.Sprintf("%#v", key)
}
