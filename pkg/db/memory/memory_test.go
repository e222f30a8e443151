// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db/dbtest"
)

func TestStore(t *testing.T) {
	dbtest.RunStoreTests(t, func(*testing.T) db.Store { return New() })
}

func TestStore_CopiesValues(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	v := []byte("abc")
	assert.NoError(t, s.Put(ctx, "k", v))
	v[0] = 'x'

	got, err := s.Get(ctx, "k")
	assert.NoError(t, err)
	assert.Equal(t, "abc", string(got))
	got[1] = 'y'

	again, _ := s.Get(ctx, "k")
	assert.Equal(t, "abc", string(again))
	assert.Equal(t, 1, s.Len())
}

func TestStore_Closed(t *testing.T) {
	t.Parallel()

	s := New()
	assert.NoError(t, s.Close())
	_, err := s.Get(context.Background(), "k")
	assert.ErrorIs(t, err, db.ErrClosed)
	assert.ErrorIs(t, s.Put(context.Background(), "k", nil), db.ErrClosed)
}
