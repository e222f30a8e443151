// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"hash/maphash"
	"sync"
)

const defaultShardCount = 256

// ShardedMap is a concurrent map with sharding for reduced lock contention.
// Keys are spread across shards with maphash.Comparable.
type ShardedMap[K comparable, V any] struct {
	seed   maphash.Seed
	shards []shard[K, V]
}

type shard[K comparable, V any] struct {
	sync.RWMutex
	m map[K]V
}

// ShardedMapOption configures a ShardedMap.
type ShardedMapOption[K comparable, V any] func(*ShardedMap[K, V])

// WithShardCount sets the number of shards. Values below 1 select one shard.
func WithShardCount[K comparable, V any](count int) ShardedMapOption[K, V] {
	return func(sm *ShardedMap[K, V]) {
		sm.shards = make([]shard[K, V], max(count, 1))
	}
}

// NewShardedMap creates a new sharded map.
func NewShardedMap[K comparable, V any](opts ...ShardedMapOption[K, V]) *ShardedMap[K, V] {
	sm := &ShardedMap[K, V]{seed: maphash.MakeSeed()}
	for _, opt := range opts {
		opt(sm)
	}
	if sm.shards == nil {
		sm.shards = make([]shard[K, V], defaultShardCount)
	}
	for i := range sm.shards {
		sm.shards[i].m = make(map[K]V)
	}
	return sm
}

func (sm *ShardedMap[K, V]) getShard(key K) *shard[K, V] {
	h := maphash.Comparable(sm.seed, key)
	return &sm.shards[h%uint64(len(sm.shards))]
}

// Load returns the value for a key, or the zero value if not found.
func (sm *ShardedMap[K, V]) Load(key K) (V, bool) {
	s := sm.getShard(key)
	s.RLock()
	v, ok := s.m[key]
	s.RUnlock()
	return v, ok
}

// Store sets a value for a key.
func (sm *ShardedMap[K, V]) Store(key K, value V) {
	s := sm.getShard(key)
	s.Lock()
	s.m[key] = value
	s.Unlock()
}

// LoadOrStore returns the existing value if present, otherwise stores and returns the new value.
// Returns true if the value was loaded, false if stored.
func (sm *ShardedMap[K, V]) LoadOrStore(key K, value V) (V, bool) {
	s := sm.getShard(key)

	// Fast path: check with read lock first
	s.RLock()
	if v, ok := s.m[key]; ok {
		s.RUnlock()
		return v, true
	}
	s.RUnlock()

	s.Lock()
	defer s.Unlock()

	// Double-check after acquiring write lock
	if v, ok := s.m[key]; ok {
		return v, true
	}

	s.m[key] = value
	return value, false
}

// Compute atomically replaces the value of key with the result of f. When
// store is false the key is deleted instead.
func (sm *ShardedMap[K, V]) Compute(key K, f func(old V, exists bool) (V, bool)) (V, bool) {
	s := sm.getShard(key)
	s.Lock()
	defer s.Unlock()

	old, exists := s.m[key]
	v, store := f(old, exists)
	if store {
		s.m[key] = v
	} else {
		delete(s.m, key)
	}
	return v, store
}

// Delete removes a key from the map.
func (sm *ShardedMap[K, V]) Delete(key K) {
	s := sm.getShard(key)
	s.Lock()
	delete(s.m, key)
	s.Unlock()
}

// Range calls f for each key-value pair in the map.
// If f returns false, iteration stops.
func (sm *ShardedMap[K, V]) Range(f func(key K, value V) bool) {
	for i := range sm.shards {
		s := &sm.shards[i]
		s.RLock()
		for k, v := range s.m {
			if !f(k, v) {
				s.RUnlock()
				return
			}
		}
		s.RUnlock()
	}
}

// Len returns the total number of entries across all shards.
func (sm *ShardedMap[K, V]) Len() int {
	count := 0
	for i := range sm.shards {
		s := &sm.shards[i]
		s.RLock()
		count += len(s.m)
		s.RUnlock()
	}
	return count
}

// DeleteIf deletes entries where the predicate returns true.
// Returns the number of entries deleted.
func (sm *ShardedMap[K, V]) DeleteIf(predicate func(key K, value V) bool) int {
	deleted := 0
	for i := range sm.shards {
		s := &sm.shards[i]
		s.Lock()
		for k, v := range s.m {
			if predicate(k, v) {
				delete(s.m, k)
				deleted++
			}
		}
		s.Unlock()
	}
	return deleted
}

// Clear removes all entries from the map.
func (sm *ShardedMap[K, V]) Clear() {
	for i := range sm.shards {
		s := &sm.shards[i]
		s.Lock()
		s.m = make(map[K]V)
		s.Unlock()
	}
}

// Keys returns all keys in the map.
// Note: This is not atomic - keys may be added/removed during iteration.
func (sm *ShardedMap[K, V]) Keys() []K {
	keys := make([]K, 0, sm.Len())
	sm.Range(func(key K, _ V) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}
