// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package compression

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db/dbtest"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db/memory"
)

var algorithms = []Algorithm{LZ4, ZSTD, S2}

// document looks like an accumulated usage document with n day slots.
func document(n int) []byte {
	var b strings.Builder
	b.WriteString(`{"id":"k/org/instance/app/basic/t/0001420070400000","metrics":[{"metric":"heavy_api_calls","windows":[[`)
	for i := range n {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, `{"quantity":{"current":%d,"previous":%d}}`, i*100, i*100-100)
	}
	b.WriteString(`]]}]}`)
	return []byte(b.String())
}

func TestParseAlgorithm(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"none", "lz4", "zstd", "s2"} {
		a, err := ParseAlgorithm(s)
		require.NoError(t, err)
		assert.Equal(t, s, a.String())
	}
	a, err := ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, None, a)

	_, err = ParseAlgorithm("brotli")
	assert.ErrorContains(t, err, "brotli")
}

func TestCompressRoundTrip(t *testing.T) {
	t.Parallel()
	doc := document(40)

	for _, algo := range algorithms {
		t.Run(algo.String(), func(t *testing.T) {
			compressed, err := Compress(algo, doc)
			require.NoError(t, err)
			assert.Less(t, len(compressed), len(doc))

			out, err := Decompress(algo, compressed)
			require.NoError(t, err)
			assert.Equal(t, doc, out)

			_, err = Decompress(algo, []byte("not compressed"))
			assert.Error(t, err)
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()
	doc := document(40)

	for _, algo := range algorithms {
		t.Run(algo.String(), func(t *testing.T) {
			v, err := Encode(algo, doc, DefaultMinSize)
			require.NoError(t, err)
			assert.Equal(t, byte(frameMarker), v[0])
			assert.Equal(t, algo.id(), v[1])

			out, err := Decode(v)
			require.NoError(t, err)
			assert.Equal(t, doc, out)
		})
	}

	// Small documents are stored as they are
	small := []byte(`{"seq":1}`)
	v, err := Encode(ZSTD, small, DefaultMinSize)
	require.NoError(t, err)
	assert.Equal(t, small, v)

	// So are documents compression does not shrink
	noise := make([]byte, 4096)
	_, _ = rand.Read(noise)
	noise[0] = '{'
	v, err = Encode(S2, noise, DefaultMinSize)
	require.NoError(t, err)
	assert.Equal(t, noise, v)

	out, err := Decode(small)
	require.NoError(t, err)
	assert.Equal(t, small, out)

	_, err = Decode([]byte{frameMarker})
	assert.Error(t, err)
	_, err = Decode([]byte{frameMarker, 9, 1, 2})
	assert.ErrorContains(t, err, "unknown compression")
}

func TestCompressionRatio(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 4.0, CompressionRatio(100, 25))
	assert.Equal(t, 1.0, CompressionRatio(100, 0))
	assert.Equal(t, 1.0, CompressionRatio(100, 120))
}

func TestStore(t *testing.T) {
	for _, algo := range algorithms {
		t.Run(algo.String(), func(t *testing.T) {
			dbtest.RunStoreTests(t, func(t *testing.T) db.Store {
				return Wrap(memory.New(), algo, 1)
			})
		})
	}
}

func TestStore_CompressesAndReadsPlainDocuments(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	raw := memory.New()
	s := Wrap(raw, ZSTD, 0)
	doc := document(40)

	// Written before compression was enabled
	require.NoError(t, raw.Put(ctx, "a", doc))
	require.NoError(t, s.Put(ctx, "b", doc))
	require.NoError(t, s.Create(ctx, "c", doc))

	stored, err := raw.Get(ctx, "b")
	require.NoError(t, err)
	assert.Less(t, len(stored), len(doc))

	for _, key := range []string{"a", "b", "c"} {
		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(doc, got), key)
	}

	kvs, err := s.Range(ctx, db.RangeQuery{Start: "a"})
	require.NoError(t, err)
	require.Len(t, kvs, 3)
	for _, kv := range kvs {
		assert.Equal(t, doc, kv.Value, kv.Key)
	}

	require.NoError(t, s.Delete(ctx, "b"))
	_, err = s.Get(ctx, "b")
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.ErrorIs(t, s.Create(ctx, "c", doc), db.ErrConflict)
}

func TestWrap_None(t *testing.T) {
	t.Parallel()
	raw := memory.New()
	assert.Same(t, raw, Wrap(raw, None, 0))
}
