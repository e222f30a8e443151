// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package partition

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ms(s string) int64 {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UnixMilli()
}

func TestBucket(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 371, Bucket("Hello"))
	assert.Equal(t, 1363, Bucket("Hey"))
	assert.Equal(t, 3078, Bucket("Blah"))
	assert.Equal(t, 2395, Bucket("Awwww"))
	assert.Equal(t, NoBucket, Bucket(""))
}

func TestPeriod(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(0), Period(0))
	assert.Equal(t, int64(0), Period(86399999))
	assert.Equal(t, int64(1), Period(86400000))
	assert.Equal(t, int64(16381), Period(ms("2014-11-07T03:06:54Z")))
}

func TestForward(t *testing.T) {
	t.Parallel()

	per := Period(ms("2014-11-07T03:06:54Z"))

	pars, err := Forward(2395, per, Write)
	require.NoError(t, err)
	assert.Equal(t, []Partition{{Index: 2, Epoch: 201411}}, pars)

	pars, err = Forward(NoBucket, per, Read)
	require.NoError(t, err)
	assert.Len(t, pars, NumPartitions)
	for i, p := range pars {
		assert.Equal(t, Partition{Index: i, Epoch: 201411}, p)
	}

	_, err = Forward(NoBucket, per, Write)
	assert.ErrorIs(t, err, ErrNoBucket)
}

func TestPartitioner_At(t *testing.T) {
	t.Parallel()

	p := New()
	tests := []struct {
		key  string
		at   string
		want Partition
	}{
		{"Hello", "2014-11-07T03:06:54Z", Partition{Index: 0, Epoch: 201411}},
		{"Hey", "2014-10-07T03:06:54Z", Partition{Index: 1, Epoch: 201410}},
		{"Blah", "2014-10-07T03:06:54Z", Partition{Index: 3, Epoch: 201410}},
		{"Awwww", "2014-11-07T03:06:54Z", Partition{Index: 2, Epoch: 201411}},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			for range 10 {
				got, err := p.At(tt.key, ms(tt.at), Read)
				require.NoError(t, err)
				assert.Equal(t, []Partition{tt.want}, got)
			}
		})
	}
}

func TestPartitioner_Range(t *testing.T) {
	t.Parallel()

	p := New()
	got, err := p.Range("Hey", ms("2014-10-07T03:06:54Z"), ms("2014-12-07T03:06:54Z"), Read)
	require.NoError(t, err)
	assert.Equal(t, []Partition{{1, 201410, false}, {1, 201411, false}, {1, 201412, false}}, got)

	got, err = p.Range("Blah", ms("2014-12-07T03:06:54Z"), ms("2014-10-07T03:06:54Z"), Read)
	require.NoError(t, err)
	assert.Equal(t, []Partition{{3, 201412, false}, {3, 201411, false}, {3, 201410, false}}, got)
}

func TestPartitioner_CheckKey(t *testing.T) {
	t.Parallel()

	p := New(WithCheckKey())
	got, err := p.At("", ms("2014-11-07T03:06:54Z"), Read)
	require.NoError(t, err)
	assert.Len(t, got, NumPartitions)

	got, err = p.Range("", ms("2014-10-30T00:00:00Z"), ms("2014-11-02T00:00:00Z"), Read)
	require.NoError(t, err)
	assert.Len(t, got, 2*NumPartitions)

	_, err = p.At("", ms("2014-11-07T03:06:54Z"), Write)
	assert.ErrorIs(t, err, ErrNoBucket)

	// Without the key check a keyless read is balanced to one partition
	got, err = New().At("", ms("2014-11-07T03:06:54Z"), Read)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestPartitioner_Errors(t *testing.T) {
	t.Parallel()

	ferr := errors.New("cannot forward bucket")
	berr := errors.New("cannot balance partition 3")
	p := New(
		WithForward(func(b int, per int64, op Op) ([]Partition, error) {
			if b == 2395 {
				return nil, ferr
			}
			return Forward(b, per, op)
		}),
		WithBalance(func(c []Partition, op Op) (Partition, error) {
			if c[0].Index == 3 {
				return Partition{}, berr
			}
			return Balance(c, op)
		}),
	)

	at := ms("2014-10-07T03:06:54Z")
	_, err := p.At("Blah", at, Read)
	assert.ErrorIs(t, err, berr)
	_, err = p.At("Awwww", at, Read)
	assert.ErrorIs(t, err, ferr)
	_, err = p.Range("Blah", at, ms("2014-12-07T03:06:54Z"), Read)
	assert.ErrorIs(t, err, berr)
	_, err = p.Range("Awwww", at, ms("2014-12-07T03:06:54Z"), Read)
	assert.ErrorIs(t, err, ferr)
}

func TestSingletonAndNoPartition(t *testing.T) {
	t.Parallel()

	got, err := Singleton().At("anything", 123, Write)
	require.NoError(t, err)
	assert.Equal(t, []Partition{{}}, got)
	assert.Equal(t, "db-0-0", got[0].Name("db"))

	got, err = NoPartition().Range("", 0, ms("2014-12-07T03:06:54Z"), Write)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "db", got[0].Name("db"))
}

func TestDistribution(t *testing.T) {
	t.Parallel()

	counts := make([]int, NumPartitions)
	at := ms("2014-11-07T03:06:54Z")
	for i := range 4000 {
		pars, err := New().At("org-"+time.Duration(i).String(), at, Read)
		require.NoError(t, err)
		counts[pars[0].Index]++
	}
	for i, c := range counts {
		assert.InDelta(t, 1000, c, 200, "partition %d", i)
	}
}
