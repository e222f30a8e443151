// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

// Package dbtest holds the behavior every db.Store implementation shares.
package dbtest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db"
)

// RunStoreTests exercises a store created fresh by newStore for each case.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) db.Store) {
	t.Run("GetPutDelete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := db.KTURI("org/instance/app/basic", 1420070400000)

		_, err := s.Get(ctx, key)
		require.ErrorIs(t, err, db.ErrNotFound)

		require.NoError(t, s.Put(ctx, key, []byte(`{"v":1}`)))
		b, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":1}`, string(b))

		require.NoError(t, s.Put(ctx, key, []byte(`{"v":2}`)))
		b, err = s.Get(ctx, key)
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":2}`, string(b))

		require.NoError(t, s.Delete(ctx, key))
		assert.ErrorIs(t, s.Delete(ctx, key), db.ErrNotFound)
		_, err = s.Get(ctx, key)
		assert.ErrorIs(t, err, db.ErrNotFound)
	})

	t.Run("Create", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := db.KTURI("org", 1420070400000)

		require.NoError(t, s.Create(ctx, key, []byte(`1`)))
		assert.ErrorIs(t, s.Create(ctx, key, []byte(`2`)), db.ErrConflict)

		b, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "1", string(b))
	})

	t.Run("Range", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		month := int64(1420070400000)
		next := int64(1422748800000)

		for i := range 5 {
			key := db.TKURI(fmt.Sprintf("org/space/app%d", i), month)
			require.NoError(t, s.Put(ctx, key, []byte(fmt.Sprint(i))))
		}
		require.NoError(t, s.Put(ctx, db.TKURI("org/space/app0", next), []byte(`9`)))

		q := db.RangeQuery{Start: db.TKURI("", month), End: db.TKURI("", next)}
		kvs, err := s.Range(ctx, q)
		require.NoError(t, err)
		require.Len(t, kvs, 5)
		for i, kv := range kvs {
			assert.Equal(t, db.TKURI(fmt.Sprintf("org/space/app%d", i), month), kv.Key)
		}

		q.Limit, q.Skip = 2, 3
		kvs, err = s.Range(ctx, q)
		require.NoError(t, err)
		require.Len(t, kvs, 2)
		assert.Equal(t, "3", string(kvs[0].Value))
		assert.Equal(t, "4", string(kvs[1].Value))

		q.Limit, q.Skip = 0, 4
		kvs, err = s.Range(ctx, q)
		require.NoError(t, err)
		require.Len(t, kvs, 1)

		kvs, err = s.Range(ctx, db.RangeQuery{Start: db.TKURI("", next)})
		require.NoError(t, err)
		require.Len(t, kvs, 1)
		assert.Equal(t, "9", string(kvs[0].Value))
	})

	t.Run("JSON", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := db.KTURI("org", 1)

		type doc struct {
			ID    string `json:"id"`
			Count int    `json:"count"`
		}
		require.NoError(t, db.PutJSON(ctx, s, key, doc{ID: key, Count: 3}))
		var got doc
		require.NoError(t, db.GetJSON(ctx, s, key, &got))
		assert.Equal(t, doc{ID: key, Count: 3}, got)
	})
}
