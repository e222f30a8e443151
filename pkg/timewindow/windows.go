// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package timewindow

import "time"

// Windows holds one slot array per dimension in s, m, h, D, M order.
type Windows[T any] [][]T

// NewWindows allocates windows with the given number of slots per dimension.
func NewWindows[T any](sizes [NumDimensions]int) Windows[T] {
	w := make(Windows[T], NumDimensions)
	for i, n := range sizes {
		w[i] = make([]T, max(n, 1))
	}
	return w
}

// Grow makes sure every dimension has at least the requested number of
// slots. Missing dimensions are created and short arrays are padded with
// empty slots at the tail.
func (w *Windows[T]) Grow(sizes [NumDimensions]int) {
	for len(*w) < NumDimensions {
		*w = append(*w, nil)
	}
	for i, n := range sizes {
		if extra := n - len((*w)[i]); extra > 0 {
			(*w)[i] = append((*w)[i], make([]T, extra)...)
		}
	}
}

// ShiftAll shifts every dimension from oldProcessed to newProcessed.
func (w Windows[T]) ShiftAll(oldProcessed, newProcessed time.Time) {
	for i := range min(len(w), NumDimensions) {
		Shift(w[i], Dimension(i), oldProcessed, newProcessed)
	}
}

// Clone returns a copy of the slot arrays. Slot values are copied with cp.
func (w Windows[T]) Clone(cp func(T) T) Windows[T] {
	if w == nil {
		return nil
	}
	out := make(Windows[T], len(w))
	for i, slots := range w {
		out[i] = make([]T, len(slots))
		for j, v := range slots {
			out[i][j] = cp(v)
		}
	}
	return out
}
