// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package decimal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArithmetic(t *testing.T) {
	t.Parallel()

	a := MustNew("0.1")
	b := MustNew("0.2")
	assert.Equal(t, "0.3", a.Add(b).String(), "no binary float drift")
	assert.Equal(t, "-0.1", a.Sub(b).String())
	assert.Equal(t, "0.02", a.Mul(b).String())
	assert.Equal(t, "0.5", a.Div(b).String())
	assert.Equal(t, "0.2", a.Max(b).String())
	assert.Equal(t, "-0.1", a.Neg().String())
}

func TestDivision_Rounding(t *testing.T) {
	t.Parallel()

	third := FromInt64(1).Div(FromInt64(3))
	require.NoError(t, third.Err())
	assert.Equal(t, "0."+repeat('3', Precision), third.String())

	// 2/3 rounds the 34th digit up
	twoThirds := FromInt64(2).Div(FromInt64(3))
	assert.Equal(t, "0."+repeat('6', Precision-1)+"7", twoThirds.String())
}

func TestRoundHalfEven(t *testing.T) {
	t.Parallel()

	n, err := MustNew("2.5").Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = MustNew("3.5").Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestDivisionByZero(t *testing.T) {
	t.Parallel()

	r := FromInt64(1).Div(Zero)
	require.Error(t, r.Err())
	assert.ErrorIs(t, r.Err(), ErrInvalid)

	// Errors propagate through later operations
	r = r.Add(FromInt64(5)).Mul(FromInt64(2))
	assert.ErrorIs(t, r.Err(), ErrInvalid)
	assert.Equal(t, "NaN", r.String())

	_, err := json.Marshal(r)
	assert.Error(t, err)
}

func TestJSON(t *testing.T) {
	t.Parallel()

	var d Decimal
	require.NoError(t, json.Unmarshal([]byte(`12.50`), &d))
	assert.True(t, d.Equal(MustNew("12.5")))

	require.NoError(t, json.Unmarshal([]byte(`"7"`), &d))
	assert.True(t, d.Equal(FromInt64(7)))

	require.NoError(t, json.Unmarshal([]byte(`null`), &d))
	assert.True(t, d.IsZero())

	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &d))

	out, err := json.Marshal(MustNew("1.2300"))
	require.NoError(t, err)
	assert.Equal(t, "1.23", string(out))

	out, err = json.Marshal(MustNew("1E+3"))
	require.NoError(t, err)
	assert.Equal(t, "1000", string(out))
}

func TestNew_Rejects(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "abc", "NaN", "Infinity"} {
		_, err := New(s)
		assert.Error(t, err, s)
	}
}

func repeat(c byte, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = c
	}
	return string(b)
}
