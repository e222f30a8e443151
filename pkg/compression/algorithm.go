// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

// Package compression compresses stored documents. Accumulated usage and
// organization trees carry a slot per time window and compress well.
package compression

import "fmt"

// Algorithm is a compression algorithm.
type Algorithm string

const (
	// None stores documents as they are
	None Algorithm = "none"
	// LZ4 is fast with a moderate ratio
	LZ4 Algorithm = "lz4"
	// ZSTD balances speed and ratio
	ZSTD Algorithm = "zstd"
	// S2 is klauspost's Snappy extension
	S2 Algorithm = "s2"
)

// IsValid returns true if the algorithm is recognized
func (a Algorithm) IsValid() bool {
	switch a {
	case None, LZ4, ZSTD, S2:
		return true
	default:
		return false
	}
}

func (a Algorithm) String() string {
	return string(a)
}

// ParseAlgorithm parses an algorithm name; empty means None.
func ParseAlgorithm(s string) (Algorithm, error) {
	if s == "" {
		return None, nil
	}
	a := Algorithm(s)
	if !a.IsValid() {
		return None, fmt.Errorf("unknown compression %q: expected none, lz4, zstd or s2", s)
	}
	return a, nil
}

// id is the algorithm's byte in the frame header.
func (a Algorithm) id() byte {
	switch a {
	case LZ4:
		return 1
	case ZSTD:
		return 2
	case S2:
		return 3
	}
	return 0
}

func fromID(b byte) (Algorithm, bool) {
	switch b {
	case 1:
		return LZ4, true
	case 2:
		return ZSTD, true
	case 3:
		return S2, true
	}
	return None, false
}
