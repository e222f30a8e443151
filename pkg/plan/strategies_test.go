// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package plan

import (
	"testing"
	"time"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func measures(start int64, kv ...string) Measures {
	m := Measures{Values: make(map[string]Value), Start: start, End: start}
	for i := 0; i+1 < len(kv); i += 2 {
		m.Values[kv[i]] = Value(kv[i+1])
	}
	return m
}

func TestSum(t *testing.T) {
	t.Parallel()

	fns, err := NewFunctions(MetricConfig{Name: "heavy_api_calls"})
	require.NoError(t, err)

	q, err := fns.Meter(measures(0, "heavy_api_calls", "100"))
	require.NoError(t, err)
	assert.JSONEq(t, `100`, string(q))

	q, err = fns.Meter(measures(0, "light_api_calls", "100"))
	require.NoError(t, err)
	assert.Nil(t, q, "no usage for this metric")

	a, err := fns.Accumulate(nil, Value(`100`))
	require.NoError(t, err)
	a, err = fns.Accumulate(a, Value(`100`))
	require.NoError(t, err)
	assert.JSONEq(t, `200`, string(a))

	agg, err := fns.Aggregate(Value(`300`), Value(`100`), Value(`200`))
	require.NoError(t, err)
	assert.JSONEq(t, `400`, string(agg))

	agg, err = fns.Aggregate(nil, nil, Value(`100`))
	require.NoError(t, err)
	assert.JSONEq(t, `100`, string(agg))

	cost, err := fns.Rate(decimal.MustNew("0.03"), Value(`200`))
	require.NoError(t, err)
	assert.JSONEq(t, `6`, string(cost))

	charge, err := fns.Charge(time.Now(), cost, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "6", charge.String())

	s, err := fns.Summarize(time.Now(), nil, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.True(t, s.IsZero())
}

func TestSum_Divisor(t *testing.T) {
	t.Parallel()

	fns, err := NewFunctions(MetricConfig{Name: "storage", Divisor: "1073741824"})
	require.NoError(t, err)

	q, err := fns.Meter(measures(0, "storage", "2147483648"))
	require.NoError(t, err)
	assert.JSONEq(t, `2`, string(q))

	_, err = NewFunctions(MetricConfig{Name: "storage", Divisor: "0"})
	assert.Error(t, err)
}

func TestSum_InvalidQuantity(t *testing.T) {
	t.Parallel()

	fns, err := NewFunctions(MetricConfig{Name: "calls"})
	require.NoError(t, err)

	_, err = fns.Meter(measures(0, "calls", `{"a":1}`))
	assert.Error(t, err)

	_, err = fns.Accumulate(Value(`"abc"`), Value(`1`))
	assert.Error(t, err)
}

func TestMax(t *testing.T) {
	t.Parallel()

	fns, err := NewFunctions(MetricConfig{Name: "storage", Type: StrategyMax})
	require.NoError(t, err)

	a, err := fns.Accumulate(nil, Value(`3`))
	require.NoError(t, err)
	assert.JSONEq(t, `3`, string(a))

	a, err = fns.Accumulate(a, Value(`5`))
	require.NoError(t, err)
	a, err = fns.Accumulate(a, Value(`4`))
	require.NoError(t, err)
	assert.JSONEq(t, `5`, string(a))

	// Per-instance maxima add up across instances
	agg, err := fns.Aggregate(Value(`7`), Value(`3`), Value(`5`))
	require.NoError(t, err)
	assert.JSONEq(t, `9`, string(agg))
}

func TestTimeBased(t *testing.T) {
	t.Parallel()

	fns, err := NewFunctions(MetricConfig{
		Name:       "memory",
		Type:       StrategyTimeBased,
		Measure:    "current_instance_memory",
		Multiplier: "current_running_instances",
		Divisor:    "1073741824",
	})
	require.NoError(t, err)

	// 2 GB from t=1000ms
	first, err := fns.Meter(measures(1000, "current_instance_memory", "1073741824", "current_running_instances", "2"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"consumed":0,"consuming":2,"since":1000}`, string(first))

	// 1 GB from one hour later
	second, err := fns.Meter(measures(3601000, "current_instance_memory", "1073741824", "current_running_instances", "1"))
	require.NoError(t, err)

	a1, err := fns.Accumulate(nil, first)
	require.NoError(t, err)
	assert.JSONEq(t, `{"consumed":0,"consuming":2,"since":1000}`, string(a1))

	a2, err := fns.Accumulate(a1, second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"consumed":7200000,"consuming":1,"since":3601000}`, string(a2))

	now := time.UnixMilli(7201000)
	far := time.UnixMilli(1 << 40)

	// 2 GB-hours in the first hour, 1 GB-hour in the second
	s, err := fns.Summarize(now, a2, time.Time{}, far)
	require.NoError(t, err)
	assert.Equal(t, "3", s.String())

	// The window end caps running consumption
	s, err = fns.Summarize(now, a2, time.Time{}, time.UnixMilli(3601000))
	require.NoError(t, err)
	assert.Equal(t, "2", s.String())

	g1, err := fns.Aggregate(nil, nil, a1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"consumed":0,"consuming":2,"since":1000}`, string(g1))

	g2, err := fns.Aggregate(g1, a1, a2)
	require.NoError(t, err)
	assert.JSONEq(t, `{"consumed":7200000,"consuming":1,"since":3601000}`, string(g2))

	cost, err := fns.Rate(decimal.MustNew("0.5"), g2)
	require.NoError(t, err)
	charge, err := fns.Charge(now, cost, time.Time{}, far)
	require.NoError(t, err)
	assert.Equal(t, "1.5", charge.String())
}

func TestTimeBased_TwoInstances(t *testing.T) {
	t.Parallel()

	fns, err := NewFunctions(MetricConfig{Name: "memory", Type: StrategyTimeBased})
	require.NoError(t, err)

	a, err := fns.Meter(measures(0, "memory", "1"))
	require.NoError(t, err)
	b, err := fns.Meter(measures(3600000, "memory", "3"))
	require.NoError(t, err)

	g, err := fns.Aggregate(nil, nil, a)
	require.NoError(t, err)
	g, err = fns.Aggregate(g, nil, b)
	require.NoError(t, err)
	assert.JSONEq(t, `{"consumed":3600000,"consuming":4,"since":3600000}`, string(g))

	s, err := fns.Summarize(time.UnixMilli(7200000), g, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "5", s.String())
}

func TestNewFunctions_UnknownStrategy(t *testing.T) {
	t.Parallel()

	_, err := NewFunctions(MetricConfig{Name: "x", Type: "formula/v9"})
	assert.ErrorIs(t, err, ErrUnknownStrategy)
	assert.Equal(t, []string{StrategyMax, StrategySum, StrategyTimeBased}, Strategies())
}
