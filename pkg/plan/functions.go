// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package plan

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/decimal"
)

// ErrUnknownStrategy is returned when a metric names a strategy that is not
// registered.
var ErrUnknownStrategy = errors.New("unknown metric strategy")

// Measures is the input of Meter: the event's measured quantities by
// measure name plus the event's time range in milliseconds.
type Measures struct {
	Values map[string]Value
	Start  int64
	End    int64
}

// Functions are the per-metric functions applied to usage. Implementations
// must be pure and safe for concurrent use.
//
// A nil result from Meter means the event carries no usage for the metric.
// Accumulate and Aggregate receive nil for an absent previous value.
type Functions interface {
	Meter(m Measures) (Value, error)
	Accumulate(prev, metered Value) (Value, error)
	Aggregate(prev, prevContribution, curr Value) (Value, error)
	Summarize(now time.Time, qty Value, from, to time.Time) (decimal.Decimal, error)
	Rate(price decimal.Decimal, qty Value) (Value, error)
	Charge(now time.Time, cost Value, from, to time.Time) (decimal.Decimal, error)
}

// Factory builds the functions of one metric from its configuration.
type Factory func(m MetricConfig) (Functions, error)

// Strategy names.
const (
	StrategySum       = "sum/v1"
	StrategyMax       = "max/v1"
	StrategyTimeBased = "time-based/v1"
)

// DefaultStrategy is used when a metric does not name one.
const DefaultStrategy = StrategySum

var strategies = map[string]Factory{
	StrategySum:       newSum,
	StrategyMax:       newMax,
	StrategyTimeBased: newTimeBased,
}

// Strategies lists the registered strategy names.
func Strategies() []string {
	names := make([]string, 0, len(strategies))
	for n := range strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewFunctions resolves the strategy named by m.
func NewFunctions(m MetricConfig) (Functions, error) {
	name := m.Type
	if name == "" {
		name = DefaultStrategy
	}
	f, ok := strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w %q for metric %s", ErrUnknownStrategy, name, m.Name)
	}
	return f(m)
}
