// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package usage

import (
	"fmt"
	"strings"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/plan"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/timewindow"
)

// DefaultDedupHistory is the default of Config.DedupHistory.
const DefaultDedupHistory = 512

// LatePolicy decides what happens to an event from a previous month that
// arrives after the slack has passed.
type LatePolicy string

const (
	// LateReassign accounts the event in the current month and flags the
	// document month_adjusted.
	LateReassign LatePolicy = "reassign"
	// LateReject fails the event with ErrEventTooOld.
	LateReject LatePolicy = "reject"
)

// Config holds the accumulation and aggregation settings shared by all
// pipeline stages.
type Config struct {
	// Slack is how far in the past an event may be and still land in its
	// own window, e.g. "10m" or "2D".
	// Default: 10m. Overridden by the SLACK environment variable.
	Slack string `mapstructure:"slack"`

	// MonthSlots widens the month dimension beyond what the slack needs.
	// Default: 0 (use the slack sizing).
	MonthSlots int `mapstructure:"month_slots"`

	// LatePolicy is reassign or reject.
	// Default: reassign.
	LatePolicy LatePolicy `mapstructure:"late_policy"`

	// StoppedMeasures are the measures that signal a stopped resource when
	// reported with a zero quantity.
	// Default: current_instance_memory.
	StoppedMeasures []string `mapstructure:"stopped_measures"`

	// CollectorID is stamped on carry-over records written by this process.
	CollectorID string `mapstructure:"collector_id"`

	// DedupHistory caps the processed events remembered per instance to
	// detect redelivered events. Entries older than the slack are dropped
	// earlier.
	// Default: 512.
	DedupHistory int `mapstructure:"dedup_history"`

	slack timewindow.Slack
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	c := Config{
		Slack:           timewindow.DefaultSlack.String(),
		LatePolicy:      LateReassign,
		StoppedMeasures: []string{"current_instance_memory"},
		CollectorID:     "abacus",
		DedupHistory:    DefaultDedupHistory,
	}
	c.slack = timewindow.DefaultSlack
	return c
}

// Validate checks the config for invalid values and applies defaults.
func (c *Config) Validate() error {
	if c.Slack == "" {
		c.Slack = timewindow.DefaultSlack.String()
	}
	s, err := timewindow.ParseSlack(c.Slack)
	if err != nil {
		return err
	}
	c.slack = s

	if c.MonthSlots < 0 {
		return fmt.Errorf("month_slots must not be negative, got %d", c.MonthSlots)
	}
	switch c.LatePolicy {
	case "":
		c.LatePolicy = LateReassign
	case LateReassign, LateReject:
	default:
		return fmt.Errorf("unknown late_policy %q: expected %s or %s", c.LatePolicy, LateReassign, LateReject)
	}
	if len(c.StoppedMeasures) == 0 {
		c.StoppedMeasures = []string{"current_instance_memory"}
	}
	for _, m := range c.StoppedMeasures {
		if !strings.HasPrefix(m, "current_") {
			return fmt.Errorf("stopped measure %q must start with current_", m)
		}
	}
	if c.CollectorID == "" {
		c.CollectorID = "abacus"
	}
	switch {
	case c.DedupHistory < 0:
		return fmt.Errorf("dedup_history must not be negative, got %d", c.DedupHistory)
	case c.DedupHistory == 0:
		c.DedupHistory = DefaultDedupHistory
	}
	return nil
}

// SlackWindow returns the parsed slack. Validate must have been called.
func (c *Config) SlackWindow() timewindow.Slack {
	if c.slack.Width == 0 {
		return timewindow.ParseSlackOrDefault(c.Slack)
	}
	return c.slack
}

// Remember returns h with the event guid ending at end added, keeping the
// events within the slack of the newest one.
func (c *Config) Remember(h History, guid string, end int64) History {
	newest := end
	for _, p := range h {
		newest = max(newest, p.End)
	}
	horizon := c.SlackWindow().Start(timewindow.FromMillis(newest)).UnixMilli()
	limit := c.DedupHistory
	if limit == 0 {
		limit = DefaultDedupHistory
	}
	return h.Add(guid, end, horizon, limit)
}

// Sizes returns the slot count per dimension.
func (c *Config) Sizes() [timewindow.NumDimensions]int {
	sizes := c.SlackWindow().Sizes()
	sizes[timewindow.Month] = max(sizes[timewindow.Month], c.MonthSlots)
	return sizes
}

// IsStopped reports whether the event signals that its resource stopped.
func (c *Config) IsStopped(e *Event) bool {
	for _, m := range e.MeasuredUsage {
		for _, s := range c.StoppedMeasures {
			if m.Measure != s {
				continue
			}
			q, err := plan.ToDecimal(m.Quantity)
			if err == nil && q.IsZero() {
				return true
			}
		}
	}
	return false
}
