// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShardedMap_BasicOperations(t *testing.T) {
	sm := NewShardedMap[string, int]()

	sm.Store("key1", 100)
	sm.Store("key2", 200)

	v1, ok1 := sm.Load("key1")
	assert.True(t, ok1)
	assert.Equal(t, 100, v1)

	_, ok := sm.Load("missing")
	assert.False(t, ok)

	assert.Equal(t, 2, sm.Len())

	sm.Delete("key1")
	_, ok = sm.Load("key1")
	assert.False(t, ok)
	assert.Equal(t, 1, sm.Len())
}

func TestShardedMap_NonStringKeys(t *testing.T) {
	type key struct {
		bucket int
		period int64
	}
	sm := NewShardedMap[key, string](WithShardCount[key, string](4))

	sm.Store(key{1, 16800}, "a")
	sm.Store(key{2, 16800}, "b")

	v, ok := sm.Load(key{1, 16800})
	assert.True(t, ok)
	assert.Equal(t, "a", v)
	assert.ElementsMatch(t, []key{{1, 16800}, {2, 16800}}, sm.Keys())
}

func TestShardedMap_LoadOrStore(t *testing.T) {
	sm := NewShardedMap[string, string]()

	v1, loaded1 := sm.LoadOrStore("key", "value1")
	assert.False(t, loaded1)
	assert.Equal(t, "value1", v1)

	v2, loaded2 := sm.LoadOrStore("key", "value2")
	assert.True(t, loaded2)
	assert.Equal(t, "value1", v2) // Original value, not new one
}

func TestShardedMap_Compute(t *testing.T) {
	sm := NewShardedMap[string, int]()

	incr := func(old int, _ bool) (int, bool) { return old + 1, true }
	sm.Compute("n", incr)
	v, _ := sm.Compute("n", incr)
	assert.Equal(t, 2, v)

	sm.Compute("n", func(int, bool) (int, bool) { return 0, false })
	_, ok := sm.Load("n")
	assert.False(t, ok)
}

func TestShardedMap_RangeAndDeleteIf(t *testing.T) {
	sm := NewShardedMap[string, int]()
	for i := 0; i < 100; i++ {
		sm.Store(fmt.Sprintf("key%d", i), i)
	}

	count := 0
	sm.Range(func(string, int) bool {
		count++
		return count < 10
	})
	assert.Equal(t, 10, count)

	deleted := sm.DeleteIf(func(_ string, v int) bool { return v%2 == 0 })
	assert.Equal(t, 50, deleted)
	assert.Equal(t, 50, sm.Len())

	sm.Clear()
	assert.Equal(t, 0, sm.Len())
}

func TestShardedMap_Concurrent(t *testing.T) {
	sm := NewShardedMap[string, int]()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sm.Store(fmt.Sprintf("key%d", n), n)
			sm.Compute("total", func(old int, _ bool) (int, bool) { return old + 1, true })
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 101, sm.Len())
	total, _ := sm.Load("total")
	assert.Equal(t, 100, total)
}
