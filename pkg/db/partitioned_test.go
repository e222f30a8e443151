// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package db_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db/dbtest"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db/memory"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/partition"
)

type opener struct {
	mu     sync.Mutex
	stores map[string]*memory.Store
}

func (o *opener) open(_ context.Context, name string) (db.Store, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stores == nil {
		o.stores = map[string]*memory.Store{}
	}
	s := memory.New()
	o.stores[name] = s
	return s, nil
}

func TestPartitioned(t *testing.T) {
	dbtest.RunStoreTests(t, func(*testing.T) db.Store {
		o := &opener{}
		return db.NewPartitioned("abacus-test", partition.New(partition.WithCheckKey()), o.open)
	})
}

func TestPartitioned_Routing(t *testing.T) {
	t.Parallel()

	o := &opener{}
	s := db.NewPartitioned("abacus-accumulated", partition.New(partition.WithCheckKey()), o.open)
	ctx := context.Background()

	// bucket("Awwww") is 2395, so partition 2
	nov := int64(1415329614000) // 2014-11-07
	dec := int64(1417921614000) // 2014-12-07
	require.NoError(t, s.Put(ctx, db.KTURI("Awwww", nov), []byte(`1`)))
	require.NoError(t, s.Put(ctx, db.KTURI("Awwww", dec), []byte(`2`)))

	require.Contains(t, o.stores, "abacus-accumulated-2-201411")
	require.Contains(t, o.stores, "abacus-accumulated-2-201412")
	assert.Equal(t, 1, o.stores["abacus-accumulated-2-201411"].Len())

	kvs, err := s.Range(ctx, db.RangeQuery{Start: db.KTURI("Awwww", nov), End: db.KTURI("Awwww", dec+1)})
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	assert.Equal(t, "1", string(kvs[0].Value))
	assert.Equal(t, "2", string(kvs[1].Value))

	require.NoError(t, s.Close())
	_, err = s.Get(ctx, db.KTURI("Awwww", nov))
	assert.ErrorIs(t, err, db.ErrClosed)
}

func TestPartitioned_WriteWithoutKey(t *testing.T) {
	t.Parallel()

	o := &opener{}
	s := db.NewPartitioned("abacus-test", partition.New(partition.WithCheckKey()), o.open)
	err := s.Put(context.Background(), db.TKURI("", 1), []byte(`1`))
	assert.ErrorIs(t, err, partition.ErrNoBucket)
}

func TestPartitioned_NoPartition(t *testing.T) {
	t.Parallel()

	o := &opener{}
	s := db.NewPartitioned("abacus-test", partition.NoPartition(), o.open)
	require.NoError(t, s.Put(context.Background(), "plain-key", []byte(`1`)))
	assert.Contains(t, o.stores, "abacus-test")
}

func TestKeys(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "k/org/t/0001420070400000", db.KTURI("org", 1420070400000))
	assert.Equal(t, "t/0001420070400000/k/org/space", db.TKURI("org/space", 1420070400000))

	tests := []struct {
		id  string
		key string
		ms  int64
		ok  bool
	}{
		{"k/org/inst/app/basic/t/0001420070400000", "org/inst/app/basic", 1420070400000, true},
		{"k/org/t/0001420070400000/guid-1", "org", 1420070400000, true},
		{"t/0001420070400000/k/org/space/app", "org/space/app", 1420070400000, true},
		{"t/0001420070400000", "", 1420070400000, true},
		{"t/0001420070400000/k/", "", 1420070400000, true},
		{"k/org", "org", 0, false},
		{"something", "", 0, false},
	}
	for _, tt := range tests {
		key, ms, ok := db.ParseURI(tt.id)
		assert.Equal(t, tt.key, key, tt.id)
		assert.Equal(t, tt.ms, ms, tt.id)
		assert.Equal(t, tt.ok, ok, tt.id)
	}
}

func TestPage(t *testing.T) {
	t.Parallel()

	kvs := []db.KV{{Key: "a"}, {Key: "b"}, {Key: "c"}}
	assert.Len(t, db.Page(kvs, 0, 0), 3)
	assert.Equal(t, []db.KV{{Key: "b"}}, db.Page(kvs, 1, 1))
	assert.Nil(t, db.Page(kvs, 5, 1))
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	var c db.Config
	require.NoError(t, c.Validate())
	assert.Equal(t, db.DriverMemory, c.Driver)
	assert.Equal(t, db.DefaultMaxOpenConns, c.MaxOpenConns)

	c = db.Config{Driver: db.DriverPostgres}
	assert.Error(t, c.Validate(), "dsn required")

	c = db.Config{Driver: "mongodb"}
	assert.Error(t, c.Validate())
}
