// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package plan

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/decimal"
)

const msPerHour = 3600000

// consumption is the value of a time-based metric: Consuming units are in
// use since the Since instant (ms), and Consumed unit-milliseconds were used
// before it.
type consumption struct {
	Consumed  decimal.Decimal `json:"consumed"`
	Consuming decimal.Decimal `json:"consuming"`
	Since     int64           `json:"since"`
}

// consumptionCost is the cost value of a time-based metric. The charge of a
// window depends on how long the consumption lasts inside it, so the price
// is kept and applied when charging.
type consumptionCost struct {
	consumption
	Price decimal.Decimal `json:"price"`
}

// timeBased meters memory-like resources: the metered value is
// measure / divisor * instances, and usage is integrated over time into
// unit-hours.
type timeBased struct {
	measure   string
	instances string
	divisor   decimal.Decimal
}

func newTimeBased(m MetricConfig) (Functions, error) {
	t := &timeBased{measure: m.MeasureName(), instances: m.Multiplier, divisor: decimal.FromInt64(1)}
	if m.Divisor != "" {
		d, err := decimal.New(m.Divisor)
		if err != nil {
			return nil, fmt.Errorf("metric %s: %w", m.Name, err)
		}
		if d.IsZero() {
			return nil, fmt.Errorf("metric %s: divisor must not be zero", m.Name)
		}
		t.divisor = d
	}
	return t, nil
}

func decodeConsumption(v Value) (*consumption, error) {
	if IsNull(v) {
		return nil, nil
	}
	var c consumption
	if err := json.Unmarshal(v, &c); err != nil {
		return nil, fmt.Errorf("invalid consumption %s: %w", string(v), err)
	}
	return &c, nil
}

func (t *timeBased) Meter(m Measures) (Value, error) {
	raw, ok := m.Values[t.measure]
	if !ok || IsNull(raw) {
		return nil, nil
	}
	q, err := ToDecimal(raw)
	if err != nil {
		return nil, err
	}
	consuming := q.Div(t.divisor)
	if t.instances != "" {
		n, err := ToDecimal(m.Values[t.instances])
		if err != nil {
			return nil, err
		}
		consuming = consuming.Mul(n)
	}
	if err := consuming.Err(); err != nil {
		return nil, err
	}
	return encode(consumption{Consuming: consuming, Since: m.Start})
}

// Accumulate closes the previous consumption period at the new sample.
func (t *timeBased) Accumulate(prev, metered Value) (Value, error) {
	a, err := decodeConsumption(prev)
	if err != nil {
		return nil, err
	}
	q, err := decodeConsumption(metered)
	if err != nil || q == nil {
		return nil, err
	}
	next := consumption{Consuming: q.Consuming, Since: q.Since}
	if a != nil {
		next.Consumed = a.Consuming.Mul(decimal.FromInt64(q.Since - a.Since)).Add(a.Consumed)
	}
	if err := next.Consumed.Err(); err != nil {
		return nil, err
	}
	return encode(next)
}

// Aggregate replaces the instance's previous consuming rate with its
// current one and carries the consumption of both sides up to the later of
// the two Since instants.
func (t *timeBased) Aggregate(prev, prevContribution, curr Value) (Value, error) {
	a, err := decodeConsumption(prev)
	if err != nil {
		return nil, err
	}
	p, err := decodeConsumption(prevContribution)
	if err != nil {
		return nil, err
	}
	c, err := decodeConsumption(curr)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return Clone(prev), nil
	}

	consuming := c.Consuming
	if p != nil {
		consuming = consuming.Sub(p.Consuming)
	}
	if a == nil {
		return encode(consumption{Consuming: consuming, Since: c.Since})
	}

	next := consumption{
		Consumed: consuming.Mul(decimal.FromInt64(max(0, a.Since-c.Since))).
			Add(a.Consuming.Mul(decimal.FromInt64(max(0, c.Since-a.Since)))).
			Add(a.Consumed),
		Consuming: consuming.Add(a.Consuming),
		Since:     max(a.Since, c.Since),
	}
	if err := next.Consumed.Err(); err != nil {
		return nil, err
	}
	return encode(next)
}

// Summarize returns unit-hours consumed up to now, capped at the window end.
func (t *timeBased) Summarize(now time.Time, qty Value, _, to time.Time) (decimal.Decimal, error) {
	c, err := decodeConsumption(qty)
	if err != nil || c == nil {
		return decimal.Zero, err
	}
	return c.hours(now, to), nil
}

func (c consumption) hours(now, to time.Time) decimal.Decimal {
	end := now.UnixMilli()
	if !to.IsZero() {
		end = min(end, to.UnixMilli())
	}
	running := decimal.FromInt64(max(0, end-c.Since))
	return c.Consuming.Mul(running).Add(c.Consumed).Div(decimal.FromInt64(msPerHour))
}

func (t *timeBased) Rate(price decimal.Decimal, qty Value) (Value, error) {
	c, err := decodeConsumption(qty)
	if err != nil || c == nil {
		return nil, err
	}
	return encode(consumptionCost{consumption: *c, Price: price})
}

func (t *timeBased) Charge(now time.Time, cost Value, _, to time.Time) (decimal.Decimal, error) {
	if IsNull(cost) {
		return decimal.Zero, nil
	}
	var c consumptionCost
	if err := json.Unmarshal(cost, &c); err != nil {
		return decimal.Zero, fmt.Errorf("invalid consumption cost %s: %w", string(cost), err)
	}
	r := c.Price.Mul(c.hours(now, to))
	return r, r.Err()
}
