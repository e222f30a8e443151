// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package timewindow

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var slackPattern = regexp.MustCompile(`^([0-9]+)([MDhms])$`)

// slackScale is the number of slack units that fit into one window of each
// dimension, indexed by slack scale then window dimension.
var slackScale = map[Dimension]map[Dimension]int64{
	Month:  {Month: 1},
	Day:    {Month: 28, Day: 1},
	Hour:   {Month: 672, Day: 24, Hour: 1},
	Minute: {Month: 40320, Day: 1440, Hour: 60, Minute: 1},
	Second: {Month: 2419200, Day: 86400, Hour: 3600, Minute: 60, Second: 1},
}

// Slack is the tolerance for how far in the past an event may still be
// placed in its window.
type Slack struct {
	Scale Dimension
	Width int
}

// DefaultSlack is ten minutes.
var DefaultSlack = Slack{Scale: Minute, Width: 10}

// ParseSlack parses values such as "10m", "2D" or "1M".
func ParseSlack(s string) (Slack, error) {
	m := slackPattern.FindStringSubmatch(s)
	if m == nil {
		return Slack{}, fmt.Errorf("invalid slack %q: expected <number><M|D|h|m|s>", s)
	}
	width, err := strconv.Atoi(m[1])
	if err != nil {
		return Slack{}, fmt.Errorf("invalid slack width %q: %w", m[1], err)
	}
	scale, err := ParseDimension(m[2])
	if err != nil {
		return Slack{}, err
	}
	return Slack{Scale: scale, Width: width}, nil
}

// ParseSlackOrDefault returns DefaultSlack when s is empty or malformed.
func ParseSlackOrDefault(s string) Slack {
	sl, err := ParseSlack(s)
	if err != nil {
		return DefaultSlack
	}
	return sl
}

func (s Slack) String() string {
	return strconv.Itoa(s.Width) + s.Scale.String()
}

// Slots returns the number of window slots dimension d needs so that events
// within the slack can still be placed. Dimensions finer than the slack
// scale keep a single slot.
func (s Slack) Slots(d Dimension) int {
	units, ok := slackScale[s.Scale][d]
	if !ok || s.Width <= 0 {
		return 1
	}
	w := int64(s.Width)
	return int((w+units-1)/units) + 1
}

// Sizes returns the slot count for every dimension.
func (s Slack) Sizes() [NumDimensions]int {
	var sizes [NumDimensions]int
	for _, d := range Dimensions {
		sizes[d] = s.Slots(d)
	}
	return sizes
}

// Start returns the earliest instant still inside the slack relative to now.
func (s Slack) Start(now time.Time) time.Time {
	return Add(now, s.Scale, -s.Width)
}

// Retains reports whether an event at instant t is still inside the slack
// of the processed instant now, compared at the granularity of dimension d.
func (s Slack) Retains(now, t time.Time, d Dimension) bool {
	return Diff(s.Start(now), t, d) >= 0
}

// Extend returns t moved forward by the slack width.
func (s Slack) Extend(t time.Time) time.Time {
	return Add(t, s.Scale, s.Width)
}
