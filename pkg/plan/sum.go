// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package plan

import (
	"fmt"
	"time"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/decimal"
)

// sum meters a single measure, optionally scaled down by a divisor, and
// keeps a running total.
type sum struct {
	measure string
	divisor decimal.Decimal
}

func newSum(m MetricConfig) (Functions, error) {
	s := &sum{measure: m.MeasureName()}
	if m.Divisor != "" {
		d, err := decimal.New(m.Divisor)
		if err != nil {
			return nil, fmt.Errorf("metric %s: %w", m.Name, err)
		}
		if d.IsZero() {
			return nil, fmt.Errorf("metric %s: divisor must not be zero", m.Name)
		}
		s.divisor = d
	}
	return s, nil
}

func (s *sum) Meter(m Measures) (Value, error) {
	raw, ok := m.Values[s.measure]
	if !ok || IsNull(raw) {
		return nil, nil
	}
	q, err := ToDecimal(raw)
	if err != nil {
		return nil, err
	}
	if !s.divisor.IsZero() {
		q = q.Div(s.divisor)
	}
	return Number(q)
}

func (s *sum) Accumulate(prev, metered Value) (Value, error) {
	a, err := ToDecimal(prev)
	if err != nil {
		return nil, err
	}
	q, err := ToDecimal(metered)
	if err != nil {
		return nil, err
	}
	return Number(a.Add(q))
}

// Aggregate applies the change of one instance's contribution:
// a + curr - prevContribution.
func (s *sum) Aggregate(prev, prevContribution, curr Value) (Value, error) {
	a, err := ToDecimal(prev)
	if err != nil {
		return nil, err
	}
	p, err := ToDecimal(prevContribution)
	if err != nil {
		return nil, err
	}
	c, err := ToDecimal(curr)
	if err != nil {
		return nil, err
	}
	return Number(a.Add(c).Sub(p))
}

func (s *sum) Summarize(_ time.Time, qty Value, _, _ time.Time) (decimal.Decimal, error) {
	return ToDecimal(qty)
}

func (s *sum) Rate(price decimal.Decimal, qty Value) (Value, error) {
	if IsNull(qty) {
		return nil, nil
	}
	q, err := ToDecimal(qty)
	if err != nil {
		return nil, err
	}
	return Number(price.Mul(q))
}

func (s *sum) Charge(_ time.Time, cost Value, _, _ time.Time) (decimal.Decimal, error) {
	return ToDecimal(cost)
}

// maxOf keeps the largest metered value per instance. Across instances the
// per-instance maxima are summed.
type maxOf struct {
	sum
}

func newMax(m MetricConfig) (Functions, error) {
	s, err := newSum(m)
	if err != nil {
		return nil, err
	}
	return &maxOf{sum: *s.(*sum)}, nil
}

func (m *maxOf) Accumulate(prev, metered Value) (Value, error) {
	q, err := ToDecimal(metered)
	if err != nil {
		return nil, err
	}
	if IsNull(prev) {
		return Number(q)
	}
	a, err := ToDecimal(prev)
	if err != nil {
		return nil, err
	}
	return Number(a.Max(q))
}
