// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

// Package plan resolves the metering, rating and charging functions applied
// to usage. Metrics select one of a fixed set of named strategies; nothing
// is evaluated from configuration text.
package plan

import (
	"fmt"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/decimal"
)

// DefaultCountry is the pricing country of organizations without one.
const DefaultCountry = "USA"

// Metric is a compiled metric.
type Metric struct {
	Name     string
	Unit     string
	Strategy string
	Functions
}

// Plan is a compiled plan. It is immutable and safe for concurrent use.
type Plan struct {
	ID      string
	Metrics []*Metric

	byName map[string]*Metric
	prices map[string]map[string]decimal.Decimal
}

// Compile resolves the strategies and prices of cfg. An unknown strategy
// or malformed price is an error.
func Compile(cfg PlanConfig) (*Plan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Plan{
		ID:     cfg.PlanID,
		byName: make(map[string]*Metric, len(cfg.Metrics)),
		prices: make(map[string]map[string]decimal.Decimal, len(cfg.Metrics)),
	}
	for _, mc := range cfg.Metrics {
		fns, err := NewFunctions(mc)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", cfg.PlanID, err)
		}
		strategy := mc.Type
		if strategy == "" {
			strategy = DefaultStrategy
		}
		m := &Metric{Name: mc.Name, Unit: mc.Unit, Strategy: strategy, Functions: fns}
		p.Metrics = append(p.Metrics, m)
		p.byName[m.Name] = m

		prices := make(map[string]decimal.Decimal, len(mc.Prices))
		for _, pc := range mc.Prices {
			d, err := decimal.New(pc.Price)
			if err != nil {
				return nil, fmt.Errorf("plan %s: price of %s in %s: %w", cfg.PlanID, mc.Name, pc.Country, err)
			}
			prices[pc.Country] = d
		}
		p.prices[mc.Name] = prices
	}
	return p, nil
}

// Metric returns the named metric.
func (p *Plan) Metric(name string) (*Metric, bool) {
	m, ok := p.byName[name]
	return m, ok
}

// Price returns the price of a metric in a country, 0 when none is set.
func (p *Plan) Price(metric, country string) decimal.Decimal {
	if country == "" {
		country = DefaultCountry
	}
	return p.prices[metric][country]
}
