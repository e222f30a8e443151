// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

// Package timewindow implements the rolling time window arithmetic shared by
// the accumulator, aggregator and reporting stages.
//
// A metric keeps five parallel window arrays, one per Dimension. Slot i of
// a dimension's array holds the window ending i periods before the
// "processed" watermark of the document that owns it. All calculations use
// UTC calendar boundaries.
package timewindow

import (
	"fmt"
	"time"
)

// Dimension is a window granularity.
type Dimension int

const (
	Second Dimension = iota
	Minute
	Hour
	Day
	Month
)

// NumDimensions is the number of window arrays kept per metric.
const NumDimensions = 5

// Dimensions lists all dimensions in window array order.
var Dimensions = [NumDimensions]Dimension{Second, Minute, Hour, Day, Month}

var dimensionCodes = [NumDimensions]string{"s", "m", "h", "D", "M"}

func (d Dimension) String() string {
	if d < Second || d > Month {
		return fmt.Sprintf("Dimension(%d)", int(d))
	}
	return dimensionCodes[d]
}

// Valid reports whether d is one of the five known dimensions.
func (d Dimension) Valid() bool {
	return d >= Second && d <= Month
}

// ParseDimension converts a dimension code (s, m, h, D, M) to a Dimension.
func ParseDimension(code string) (Dimension, error) {
	for i, c := range dimensionCodes {
		if c == code {
			return Dimension(i), nil
		}
	}
	return 0, fmt.Errorf("unknown time dimension %q", code)
}

// Range is a half-open time range [From, To).
type Range struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range.
func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

// ZeroLowerDimensions truncates t to the start of its period in dimension d.
func ZeroLowerDimensions(t time.Time, d Dimension) time.Time {
	t = t.UTC()
	switch d {
	case Second:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
	case Minute:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
	case Hour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case Day:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// Diff returns the signed number of whole d periods between the truncated
// instants a and b. It is positive when b is after a, and 0 for an invalid
// dimension.
func Diff(a, b time.Time, d Dimension) int {
	if !d.Valid() {
		return 0
	}
	a, b = a.UTC(), b.UTC()
	if d == Month {
		return (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
	}
	delta := ZeroLowerDimensions(b, d).Sub(ZeroLowerDimensions(a, d))
	return int(delta / unit(d))
}

// Add moves t by n periods of dimension d. Month arithmetic is calendar
// based and applied to the truncated instant so that the 31st never spills
// into the following month. An invalid dimension leaves t unchanged.
func Add(t time.Time, d Dimension, n int) time.Time {
	if !d.Valid() {
		return t.UTC()
	}
	if d == Month {
		m := ZeroLowerDimensions(t, Month)
		return m.AddDate(0, n, 0).Add(t.UTC().Sub(m))
	}
	return t.UTC().Add(time.Duration(n) * unit(d))
}

// Index returns the slot of w that an event at instant event falls into
// relative to the processed watermark.
//
// Events after the watermark land in slot 0. When allowOverflow is false an
// index at or beyond len(w) yields -1, meaning the event is too old to be
// tracked in this dimension. With allowOverflow the raw index is returned.
// An invalid dimension yields -1.
func Index[T any](w []T, processed, event time.Time, d Dimension, allowOverflow bool) int {
	if !d.Valid() {
		return -1
	}
	i := Diff(event, processed, d)
	if i < 0 {
		return 0
	}
	if !allowOverflow && i >= len(w) {
		return -1
	}
	return i
}

// Shift advances w from the oldProcessed watermark to newProcessed. Empty
// slots are prepended and the oldest slots fall off the tail so the array
// keeps its length. It is a no-op unless newProcessed is in a later period
// of a valid dimension.
func Shift[T any](w []T, d Dimension, oldProcessed, newProcessed time.Time) {
	n := min(len(w), Diff(oldProcessed, newProcessed, d))
	if n <= 0 {
		return
	}
	copy(w[n:], w[:len(w)-n])
	var zero T
	for i := range n {
		w[i] = zero
	}
}

// Bounds returns the window of dimension d containing t, moved by shift
// periods (negative values move into the past). The range is empty for an
// invalid dimension.
func Bounds(t time.Time, d Dimension, shift int) Range {
	from := Add(ZeroLowerDimensions(t, d), d, shift)
	return Range{From: from, To: Add(from, d, 1)}
}

// Cell looks up the slot of windows holding an event at instant event. It
// returns false when dimension d is not tracked or the event falls outside
// the tracked slots.
func Cell[T any](windows [][]T, processed, event time.Time, d Dimension) (T, bool) {
	var zero T
	if !d.Valid() || int(d) >= len(windows) {
		return zero, false
	}
	w := windows[d]
	if len(w) == 0 {
		return zero, false
	}
	i := Index(w, processed, event, d, false)
	if i < 0 {
		return zero, false
	}
	return w[i], true
}

// unit is the fixed length of the dimensions below Month.
func unit(d Dimension) time.Duration {
	switch d {
	case Second:
		return time.Second
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	}
	return 0
}

// FromMillis converts a millisecond epoch timestamp to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
