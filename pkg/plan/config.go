// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package plan

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

// MetricConfig configures one metric of a plan.
type MetricConfig struct {
	// Name of the metric as it appears in reports.
	Name string `mapstructure:"name" json:"name"`

	Unit string `mapstructure:"unit" json:"unit,omitempty"`

	// Type is the strategy name. Default: sum/v1.
	Type string `mapstructure:"type" json:"type,omitempty"`

	// Measure is the measured usage read by the meter. Default: Name.
	Measure string `mapstructure:"measure" json:"measure,omitempty"`

	// Divisor scales the measure down, e.g. 1073741824 for bytes to GB.
	Divisor string `mapstructure:"divisor" json:"divisor,omitempty"`

	// Multiplier names a second measure the metered value is multiplied by
	// (time-based/v1 only), e.g. running_instances.
	Multiplier string `mapstructure:"multiplier" json:"multiplier,omitempty"`

	// Prices per pricing country. Countries without a price are charged 0.
	Prices []PriceConfig `mapstructure:"prices" json:"prices,omitempty"`
}

// PriceConfig is the price of one metric unit in a country.
type PriceConfig struct {
	Country string `mapstructure:"country" json:"country"`
	Price   string `mapstructure:"price" json:"price"`
}

// MeasureName returns the measure read by the metric's meter.
func (m MetricConfig) MeasureName() string {
	if m.Measure != "" {
		return m.Measure
	}
	return m.Name
}

// PlanConfig configures a plan: its metrics and their prices.
type PlanConfig struct {
	PlanID  string         `mapstructure:"plan_id" json:"plan_id"`
	Metrics []MetricConfig `mapstructure:"metrics" json:"metrics"`
}

// Validate checks the plan for missing ids and duplicate metrics.
func (c *PlanConfig) Validate() error {
	if c.PlanID == "" {
		return errors.New("plan_id is required")
	}
	if len(c.Metrics) == 0 {
		return fmt.Errorf("plan %s: at least one metric is required", c.PlanID)
	}
	seen := make(map[string]bool, len(c.Metrics))
	for _, m := range c.Metrics {
		if m.Name == "" {
			return fmt.Errorf("plan %s: metric name is required", c.PlanID)
		}
		if seen[m.Name] {
			return fmt.Errorf("plan %s: duplicate metric %s", c.PlanID, m.Name)
		}
		seen[m.Name] = true
	}
	return nil
}

// LoadFile reads the plans listed under the "plans" key of a JSON or YAML
// file.
func LoadFile(path string) ([]PlanConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read plans %s: %w", path, err)
	}
	var plans []PlanConfig
	if err := v.UnmarshalKey("plans", &plans); err != nil {
		return nil, fmt.Errorf("decode plans %s: %w", path, err)
	}
	for i := range plans {
		if err := plans[i].Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return plans, nil
}
